// Package template implements the token substitution used for build contexts
// and orchestrator manifests. Occurrences of {{key}} are replaced from a flat
// parameter map in a single pass; substituted text is never re-expanded and
// unknown keys are left untouched so that partially-parameterized templates
// can flow through multiple rendering stages.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

var tokenRe = regexp.MustCompile(`\{\{([A-Za-z0-9._-]+)\}\}`)

// Params is a flat key → value map. Values are rendered with %v.
type Params map[string]interface{}

// Namespace returns a copy of params with every key prefixed "ns.".
func Namespace(ns string, params Params) Params {
	out := make(Params, len(params))
	for k, v := range params {
		out[ns+"."+k] = v
	}
	return out
}

// Merge combines parameter maps left to right; later maps win on conflict.
func Merge(maps ...Params) Params {
	out := Params{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// FillString substitutes {{key}} tokens in text from params.
func FillString(text string, params Params) string {
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		key := tok[2 : len(tok)-2]
		v, ok := params[key]
		if !ok {
			return tok
		}
		return fmt.Sprintf("%v", v)
	})
}

// FillFile rewrites the file at path in place with its tokens substituted.
func FillFile(path string, params Params) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "cannot fill template %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "cannot stat template %s", path)
	}
	filled := FillString(string(raw), params)
	if err := os.WriteFile(path, []byte(filled), info.Mode()); err != nil {
		return errors.Wrapf(err, "cannot write template %s", path)
	}
	return nil
}

// FillTree renders every regular file under dir in place.
func FillTree(dir string, params Params) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return FillFile(path, params)
	})
}

package shell

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Fake is a scripted Runner for tests. Outputs and errors are matched by
// command prefix; unmatched commands succeed with empty output.
type Fake struct {
	mu      sync.Mutex
	calls   []string
	Outputs map[string]string
	Errors  map[string]error
	Streams map[string]string // written to stdout in RunStream
	Creates map[string]string // directory created when a command matches
}

// NewFake returns an empty scripted runner.
func NewFake() *Fake {
	return &Fake{
		Outputs: map[string]string{},
		Errors:  map[string]error{},
		Streams: map[string]string{},
		Creates: map[string]string{},
	}
}

// Calls returns every command line run so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CalledWith reports whether any call starts with prefix.
func (f *Fake) CalledWith(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (f *Fake) record(name string, args ...string) string {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()
	return line
}

func (f *Fake) match(line string, m map[string]string) (string, bool) {
	for prefix, v := range m {
		if strings.HasPrefix(line, prefix) {
			return v, true
		}
	}
	return "", false
}

func (f *Fake) matchErr(line string) error {
	for prefix, err := range f.Errors {
		if strings.HasPrefix(line, prefix) {
			return err
		}
	}
	return nil
}

func (f *Fake) sideEffects(line string) {
	if dir, ok := f.match(line, f.Creates); ok {
		os.MkdirAll(dir, 0755)
	}
}

func (f *Fake) Run(name string, args ...string) (string, error) {
	line := f.record(name, args...)
	if err := f.matchErr(line); err != nil {
		return "", err
	}
	f.sideEffects(line)
	out, _ := f.match(line, f.Outputs)
	return out, nil
}

func (f *Fake) RunDir(dir, name string, args ...string) (string, error) {
	return f.Run(name, args...)
}

func (f *Fake) RunStream(stdout, stderr io.Writer, name string, args ...string) error {
	line := f.record(name, args...)
	if err := f.matchErr(line); err != nil {
		return err
	}
	f.sideEffects(line)
	if s, ok := f.match(line, f.Streams); ok {
		fmt.Fprint(stdout, s)
	}
	return nil
}

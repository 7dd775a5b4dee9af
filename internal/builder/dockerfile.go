package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/binder-project/binder/internal/logd"
	"github.com/binder-project/binder/internal/registry"
)

// notebookUser is the unprivileged account the notebook server runs as.
const notebookUser = "main"

// requirementsHelper installs dependencies with both known package managers,
// failing only when both fail. Shipped under the util directory.
const requirementsHelper = "handle-requirements.py"

// assembleDockerfile writes the app image definition into appDir. The result
// always contains exactly one FROM directive, naming the configured base.
func (p *Pool) assembleDockerfile(spec registry.AppSpec, repoDir, appDir string) error {
	var b strings.Builder
	b.WriteString("FROM " + p.cfg.BaseImage + "\n\n")

	if spec.HasDependency(registry.DepDockerfile) {
		if err := p.appendUserDockerfile(&b, spec, repoDir); err != nil {
			return err
		}
	} else {
		if err := p.synthesize(&b, spec, appDir); err != nil {
			return err
		}
	}

	b.WriteString("USER " + notebookUser + "\n")
	notebooks := spec.NotebooksPath
	if notebooks == "" {
		notebooks = "."
	}
	fmt.Fprintf(&b, "ADD %s $HOME/notebooks\n\n", filepath.Join("repo", notebooks))

	suffix, err := os.ReadFile(filepath.Join(appDir, "Dockerfile.suffix"))
	if err != nil {
		return errors.Wrap(err, "cannot read shipped suffix snippet")
	}
	b.Write(suffix)

	path := filepath.Join(appDir, "Dockerfile")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return errors.Wrap(err, "cannot write app Dockerfile")
	}
	return nil
}

// appendUserDockerfile inlines the repository's own build file, stripping its
// base-image directive so the shared base always wins.
func (p *Pool) appendUserDockerfile(b *strings.Builder, spec registry.AppSpec, repoDir string) error {
	path := spec.DockerfilePath
	if path == "" {
		path = "Dockerfile"
	}
	raw, err := os.ReadFile(filepath.Join(repoDir, path))
	if err != nil {
		return errors.Wrapf(err, "cannot read %s from repository", path)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if from, ok := strings.CutPrefix(strings.TrimSpace(line), "FROM "); ok {
			if strings.TrimSpace(from) != p.cfg.BaseImage {
				p.log(logd.LevelWarning, spec.Name,
					fmt.Sprintf("replacing base image %q with %s", strings.TrimSpace(from), p.cfg.BaseImage))
			}
			continue
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
	return nil
}

// synthesize emits per-dependency blocks in the recognized order, then each
// service's client snippet.
func (p *Pool) synthesize(b *strings.Builder, spec registry.AppSpec, appDir string) error {
	if spec.HasDependency(registry.DepRequirements) {
		reqs := spec.RequirementsPath
		if reqs == "" {
			reqs = "requirements.txt"
		}
		helper := filepath.Join(p.cfg.Settings.UtilDir(), requirementsHelper)
		if err := copyFile(helper, filepath.Join(appDir, requirementsHelper)); err != nil {
			return errors.Wrap(err, "cannot stage requirements helper")
		}
		fmt.Fprintf(b, "ADD %s requirements.txt\n", filepath.Join("repo", reqs))
		fmt.Fprintf(b, "ADD %s %s\n", requirementsHelper, requirementsHelper)
		fmt.Fprintf(b, "RUN python %s\n\n", requirementsHelper)
	}

	if spec.HasDependency(registry.DepEnvironment) {
		b.WriteString("ADD repo/environment.yml environment.yml\n")
		b.WriteString("RUN conda env create -n binder -f environment.yml\n")
		b.WriteString("RUN /bin/bash -c \"source activate binder && ipython kernel install\"\n\n")
	}

	for _, ref := range spec.Services {
		svc, err := p.cfg.Services.Get(ref.Name, ref.Version)
		if err != nil {
			return errors.Wrapf(err, "app depends on unknown service %s-%s", ref.Name, ref.Version)
		}
		if svc.Client == "" {
			continue
		}
		fmt.Fprintf(b, "# %s client\n", svc.Name)
		b.WriteString(strings.TrimRight(svc.Client, "\n") + "\n\n")
	}
	return nil
}

func copyFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, info.Mode())
}

package service

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/binder-project/binder/internal/shell"
	"github.com/binder-project/binder/internal/template"
)

// Build renders the service's image contexts and builds and pushes every
// image. The build is skipped entirely when the spec is unchanged since the
// last successful build. squashTool is the
// external squash-and-push script that flattens and uploads an image.
func Build(s *Service, reg Registry, r shell.Runner, registryName, squashTool string) error {
	log := logrus.WithField("service", s.FullName())

	if !s.Changed() {
		log.Info("spec unchanged since last build, not rebuilding")
		return nil
	}

	buildDir := filepath.Join(s.Dir, "build")
	if err := recreateDir(buildDir); err != nil {
		return errors.Wrapf(err, "cannot prepare build directory for %s", s.FullName())
	}

	for _, sub := range []string{"components", "deployments", "images"} {
		src := filepath.Join(s.Dir, sub)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(buildDir, sub)
		if err := CopyTree(src, dst); err != nil {
			return errors.Wrapf(err, "cannot copy %s for %s", sub, s.FullName())
		}
		if err := template.FillTree(dst, template.Params(s.Spec.Parameters)); err != nil {
			return errors.Wrapf(err, "cannot render %s for %s", sub, s.FullName())
		}
	}

	for _, img := range s.Spec.Images {
		imageName := registryName + "/" + s.FullName() + "-" + img.Name
		imageDir := filepath.Join(buildDir, "images", img.Name)
		if out, err := r.Run("docker", "build", "-t", imageName, imageDir); err != nil {
			return errors.Wrapf(err, "could not build service image %s: %s", imageName, out)
		}
		log.Infof("squashing and pushing %s to private registry", imageName)
		if out, err := r.Run(squashTool, imageName); err != nil {
			return errors.Wrapf(err, "could not push service image %s: %s", imageName, out)
		}
	}

	if err := reg.SaveLastBuild(s); err != nil {
		return err
	}
	log.Info("service built")
	return nil
}

// recreateDir removes dir and creates it empty.
func recreateDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// CopyTree recursively copies src to dst, preserving file modes.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

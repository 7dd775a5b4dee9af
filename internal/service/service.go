// Package service manages reusable sidecar definitions composed into apps at
// deploy time. A service lives at {HOME_DIR}/services/{name}/{version}/ with
// a conf.json, per-component container templates under components/, per-mode
// deployment templates under deployments/, and an optional client snippet
// appended to app Dockerfiles.
package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/binder-project/binder/internal/template"
)

// Deployment modes every service may declare. SingleNode is mandatory.
const (
	ModeSingleNode = "single-node"
	ModeMultiNode  = "multi-node"
)

// ErrNotFound is returned when no service matches a name/version pair.
var ErrNotFound = errors.New("service not found")

const lastBuildFile = ".last_build.json"

// Image names one container image a service builds.
type Image struct {
	Name string `json:"name"`
}

// Spec mirrors conf.json.
type Spec struct {
	Images     []Image                `json:"images,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Client     string                 `json:"client,omitempty"`
}

// Service is a fully loaded, immutable-per-version definition.
type Service struct {
	Name    string
	Version string
	Dir     string

	Spec        Spec
	Deployments map[string]string // mode → deployment template
	Components  map[string]string // component file name → template
	Client      string            // client snippet contents, "" if none

	// LastBuild is the spec of the last successful build, nil if never built.
	LastBuild *Spec
}

// FullName is the unique name-version identifier.
func (s *Service) FullName() string {
	return s.Name + "-" + s.Version
}

// Changed reports whether the current spec differs from the last built one.
func (s *Service) Changed() bool {
	return s.LastBuild == nil || !reflect.DeepEqual(*s.LastBuild, s.Spec)
}

// Registry is the service lookup surface.
type Registry interface {
	List() ([]*Service, error)
	Get(name, version string) (*Service, error)
	SaveLastBuild(s *Service) error
}

// FileServices enumerates services on disk. Listings are cached and the cache
// is dropped whenever fsnotify reports a change under the services root.
type FileServices struct {
	dir string
	log *logrus.Entry

	mu      sync.Mutex
	cache   []*Service
	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ Registry = (*FileServices)(nil)

// NewFileServices opens the registry rooted at servicesDir.
func NewFileServices(servicesDir string) (*FileServices, error) {
	if err := os.MkdirAll(servicesDir, 0755); err != nil {
		return nil, errors.Wrap(err, "cannot create services directory")
	}
	fs := &FileServices{
		dir:  servicesDir,
		log:  logrus.WithField("component", "services"),
		done: make(chan struct{}),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot start services watcher")
	}
	if err := w.Add(servicesDir); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "cannot watch services directory")
	}
	fs.watcher = w
	go fs.watch()
	return fs, nil
}

// Close stops the change watcher.
func (fs *FileServices) Close() error {
	close(fs.done)
	return fs.watcher.Close()
}

func (fs *FileServices) watch() {
	for {
		select {
		case <-fs.done:
			return
		case _, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			fs.mu.Lock()
			fs.cache = nil
			fs.mu.Unlock()
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.log.WithError(err).Warn("services watcher error")
		}
	}
}

// List returns every loadable service, sorted by full name. Broken service
// directories are logged and skipped.
func (fs *FileServices) List() ([]*Service, error) {
	fs.mu.Lock()
	if fs.cache != nil {
		out := fs.cache
		fs.mu.Unlock()
		return out, nil
	}
	fs.mu.Unlock()

	names, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, errors.Wrap(err, "cannot enumerate services")
	}
	var out []*Service
	for _, n := range names {
		if !n.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(fs.dir, n.Name()))
		if err != nil {
			continue
		}
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			svc, err := fs.load(n.Name(), v.Name())
			if err != nil {
				fs.log.WithError(err).Warnf("could not load service %s-%s", n.Name(), v.Name())
				continue
			}
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })

	fs.mu.Lock()
	fs.cache = out
	fs.mu.Unlock()
	return out, nil
}

// Get loads one service by name and version.
func (fs *FileServices) Get(name, version string) (*Service, error) {
	svc, err := fs.load(name, version)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(ErrNotFound, "%s-%s", name, version)
		}
		return nil, err
	}
	return svc, nil
}

// SaveLastBuild records the just-built spec for change detection.
func (fs *FileServices) SaveLastBuild(s *Service) error {
	raw, err := json.Marshal(s.Spec)
	if err != nil {
		return errors.Wrap(err, "cannot encode last build spec")
	}
	if err := os.WriteFile(filepath.Join(s.Dir, lastBuildFile), raw, 0644); err != nil {
		return errors.Wrapf(err, "cannot save last build for %s", s.FullName())
	}
	spec := s.Spec
	s.LastBuild = &spec
	return nil
}

func (fs *FileServices) load(name, version string) (*Service, error) {
	dir := filepath.Join(fs.dir, name, version)

	raw, err := os.ReadFile(filepath.Join(dir, "conf.json"))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read conf for %s-%s", name, version)
	}
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, errors.Wrapf(err, "corrupt conf for %s-%s", name, version)
	}

	svc := &Service{
		Name:    name,
		Version: version,
		Dir:     dir,
		Spec:    spec,
	}

	svc.Deployments, err = readTemplates(filepath.Join(dir, "deployments"), true)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read deployments for %s", svc.FullName())
	}
	if _, ok := svc.Deployments[ModeSingleNode]; !ok {
		return nil, errors.Errorf("service %s declares no %s deployment", svc.FullName(), ModeSingleNode)
	}
	svc.Components, err = readTemplates(filepath.Join(dir, "components"), false)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read components for %s", svc.FullName())
	}

	if spec.Client != "" {
		client, err := os.ReadFile(filepath.Join(dir, spec.Client))
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read client snippet for %s", svc.FullName())
		}
		svc.Client = string(client)
	}

	if lb, err := os.ReadFile(filepath.Join(dir, lastBuildFile)); err == nil {
		var last Spec
		if err := json.Unmarshal(lb, &last); err == nil {
			svc.LastBuild = &last
		}
	}
	return svc, nil
}

// readTemplates loads every file in dir keyed by file name; stripExt keys by
// the name without extension (deployment modes).
func readTemplates(dir string, stripExt bool) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		key := e.Name()
		if stripExt {
			key = strings.TrimSuffix(key, filepath.Ext(key))
		}
		out[key] = string(raw)
	}
	return out, nil
}

// Params returns the service parameters under the "service." namespace.
func (s *Service) Params() template.Params {
	return template.Namespace("service", template.Params(s.Spec.Parameters))
}

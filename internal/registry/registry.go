// Package registry persists application records under {HOME_DIR}/apps. Each
// app owns a directory holding its spec.json, a repo/ checkout, and a build/
// context whose .build_state file is the source of truth for the build
// lifecycle. All writes go through a temp-file-then-rename so readers never
// observe a partial document, and per-name locks serialize state transitions.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/binder-project/binder/internal/config"
)

// TimeFormat renders build timestamps with sub-second resolution. It matches
// the log plane's line prefix so a last-build time can be used directly as a
// log query cutoff.
const TimeFormat = config.TimeFormat

// ErrNotFound is returned when no record exists for a name.
var ErrNotFound = errors.New("app not found")

// ErrInvalidTransition is returned for build-state moves outside the DAG.
var ErrInvalidTransition = errors.New("invalid build state transition")

// AppRegistry is the capability surface the rest of the system depends on.
type AppRegistry interface {
	Create(spec AppSpec) (AppRecord, error)
	Find(name string) (AppRecord, error)
	FindAll() ([]AppRecord, error)
	UpdateBuildState(name string, state BuildState) error
	GetBuildState(name string) (BuildState, error)
	StampBuildTime(name string) error
	LastBuildTime(name string) (string, error)
	SetDeploymentID(name, id string) error
}

// stateDoc is the JSON document stored at {app}/build/.build_state.
type stateDoc struct {
	BuildState    BuildState `json:"build_state"`
	LastBuildTime string     `json:"last_build_time,omitempty"`
	DeploymentID  string     `json:"deployment_id,omitempty"`
}

// FileRegistry stores records on the local filesystem.
type FileRegistry struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

var _ AppRegistry = (*FileRegistry)(nil)

// NewFileRegistry opens (creating if needed) the registry rooted at appsDir.
func NewFileRegistry(appsDir string) (*FileRegistry, error) {
	if err := os.MkdirAll(appsDir, 0755); err != nil {
		return nil, errors.Wrap(err, "cannot create apps directory")
	}
	return &FileRegistry{
		dir:   appsDir,
		locks: map[string]*sync.Mutex{},
		now:   time.Now,
	}, nil
}

func (r *FileRegistry) lock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

func (r *FileRegistry) appDir(name string) string    { return filepath.Join(r.dir, name) }
func (r *FileRegistry) specPath(name string) string  { return filepath.Join(r.dir, name, "spec.json") }
func (r *FileRegistry) statePath(name string) string {
	return filepath.Join(r.dir, name, "build", ".build_state")
}

// Create registers spec, overwriting any stored spec with the same name. The
// working directory tree is created on first sight and left intact otherwise.
func (r *FileRegistry) Create(spec AppSpec) (AppRecord, error) {
	if err := spec.Validate(); err != nil {
		return AppRecord{}, err
	}
	l := r.lock(spec.Name)
	l.Lock()
	defer l.Unlock()

	dir := r.appDir(spec.Name)
	for _, d := range []string{dir, filepath.Join(dir, "build")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return AppRecord{}, errors.Wrapf(err, "cannot create app directory for %s", spec.Name)
		}
	}

	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return AppRecord{}, errors.Wrap(err, "cannot encode app spec")
	}
	if err := writeFileAtomic(r.specPath(spec.Name), raw); err != nil {
		return AppRecord{}, err
	}

	// Initialize the state doc for brand new apps only.
	if _, err := os.Stat(r.statePath(spec.Name)); os.IsNotExist(err) {
		if err := r.writeState(spec.Name, stateDoc{BuildState: StateNone}); err != nil {
			return AppRecord{}, err
		}
	}
	return r.record(spec.Name)
}

// Find returns the record for name, or ErrNotFound.
func (r *FileRegistry) Find(name string) (AppRecord, error) {
	l := r.lock(name)
	l.Lock()
	defer l.Unlock()
	return r.record(name)
}

// FindAll enumerates every readable record, sorted by name. Directories with
// an unreadable spec are skipped rather than failing the listing.
func (r *FileRegistry) FindAll() ([]AppRecord, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.Wrap(err, "cannot enumerate apps")
	}
	var out []AppRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := r.Find(e.Name())
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateBuildState moves name to state. Entering BUILDING also stamps the
// last build time in the same atomic write.
func (r *FileRegistry) UpdateBuildState(name string, state BuildState) error {
	l := r.lock(name)
	l.Lock()
	defer l.Unlock()

	doc, err := r.readState(name)
	if err != nil {
		return err
	}
	if !CanTransition(doc.BuildState, state) {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s → %s", name, doc.BuildState, state)
	}
	doc.BuildState = state
	if state == StateBuilding {
		doc.LastBuildTime = r.now().Format(TimeFormat)
	}
	return r.writeState(name, doc)
}

// GetBuildState reads the current state for name.
func (r *FileRegistry) GetBuildState(name string) (BuildState, error) {
	l := r.lock(name)
	l.Lock()
	defer l.Unlock()
	doc, err := r.readState(name)
	if err != nil {
		return "", err
	}
	return doc.BuildState, nil
}

// StampBuildTime records now as the last build time.
func (r *FileRegistry) StampBuildTime(name string) error {
	l := r.lock(name)
	l.Lock()
	defer l.Unlock()
	doc, err := r.readState(name)
	if err != nil {
		return err
	}
	doc.LastBuildTime = r.now().Format(TimeFormat)
	return r.writeState(name, doc)
}

// LastBuildTime returns the stamp of the most recent build, "" if never built.
func (r *FileRegistry) LastBuildTime(name string) (string, error) {
	l := r.lock(name)
	l.Lock()
	defer l.Unlock()
	doc, err := r.readState(name)
	if err != nil {
		return "", err
	}
	return doc.LastBuildTime, nil
}

// SetDeploymentID records the identifier assigned at deploy time.
func (r *FileRegistry) SetDeploymentID(name, id string) error {
	l := r.lock(name)
	l.Lock()
	defer l.Unlock()
	doc, err := r.readState(name)
	if err != nil {
		return err
	}
	doc.DeploymentID = id
	return r.writeState(name, doc)
}

func (r *FileRegistry) record(name string) (AppRecord, error) {
	raw, err := os.ReadFile(r.specPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return AppRecord{}, errors.Wrap(ErrNotFound, name)
		}
		return AppRecord{}, errors.Wrapf(err, "cannot read spec for %s", name)
	}
	var spec AppSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return AppRecord{}, errors.Wrapf(err, "corrupt spec for %s", name)
	}
	doc, err := r.readState(name)
	if err != nil {
		return AppRecord{}, err
	}
	return AppRecord{
		Name:          name,
		Spec:          spec,
		Dir:           r.appDir(name),
		BuildState:    doc.BuildState,
		LastBuildTime: doc.LastBuildTime,
		DeploymentID:  doc.DeploymentID,
	}, nil
}

func (r *FileRegistry) readState(name string) (stateDoc, error) {
	raw, err := os.ReadFile(r.statePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			if _, serr := os.Stat(r.specPath(name)); os.IsNotExist(serr) {
				return stateDoc{}, errors.Wrap(ErrNotFound, name)
			}
			return stateDoc{BuildState: StateNone}, nil
		}
		return stateDoc{}, errors.Wrapf(err, "cannot read build state for %s", name)
	}
	var doc stateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return stateDoc{}, errors.Wrapf(err, "corrupt build state for %s", name)
	}
	return doc, nil
}

func (r *FileRegistry) writeState(name string, doc stateDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "cannot encode build state")
	}
	if err := os.MkdirAll(filepath.Dir(r.statePath(name)), 0755); err != nil {
		return errors.Wrapf(err, "cannot create build directory for %s", name)
	}
	return writeFileAtomic(r.statePath(name), raw)
}

// writeFileAtomic writes data to a temporary sibling and renames it over
// path, so concurrent readers see either the old or the new document.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrap(err, "cannot create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "cannot write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "cannot commit %s", path)
	}
	return nil
}

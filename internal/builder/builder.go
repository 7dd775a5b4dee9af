// Package builder drains the build queue with a fixed worker pool. Each job
// takes an app spec from cloned source to a pushed image, updating the app
// registry's build state at every boundary and streaming builder output to
// the log plane.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/binder-project/binder/internal/config"
	"github.com/binder-project/binder/internal/logd"
	"github.com/binder-project/binder/internal/registry"
	"github.com/binder-project/binder/internal/service"
	"github.com/binder-project/binder/internal/shell"
	"github.com/binder-project/binder/internal/template"
)

// BuildLogger is the slice of the log client the builder needs.
type BuildLogger interface {
	Log(level int, app, msg string, noPublish bool)
	WriteStream(app string, level int, r io.Reader, noPublish bool) error
}

// Preloader pre-pulls an image onto every worker node.
type Preloader interface {
	PreloadImage(name string) error
}

// Config wires a pool's collaborators.
type Config struct {
	Settings *config.Settings
	Registry registry.AppRegistry
	Services service.Registry
	Runner   shell.Runner
	Log      BuildLogger

	// Preloader is consulted after a successful push when the preload
	// option is on. May be nil.
	Preloader Preloader

	// RegistryName is the private image registry prefix, e.g.
	// "gcr.io/binder-dev".
	RegistryName string

	// BaseImage is the shared base every app image layers on.
	BaseImage string

	// SquashTool flattens and pushes a built image.
	SquashTool string

	// RebuildBase rebuilds and pushes the base image as part of each job.
	RebuildBase bool
}

// Pool runs build jobs on a fixed set of workers.
type Pool struct {
	cfg   Config
	queue *Queue
	wg    sync.WaitGroup
}

// NewPool assembles a pool over queue. Start launches the workers.
func NewPool(cfg Config, queue *Queue) *Pool {
	return &Pool{cfg: cfg, queue: queue}
}

// Start launches the configured number of workers. They exit when the queue
// closes or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Settings.Options.BuilderWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case spec, ok := <-p.queue.Jobs():
			if !ok {
				return
			}
			p.Build(spec)
		case <-ctx.Done():
			return
		}
	}
}

// Build runs the whole job protocol for one spec. Failures never propagate
// out of the pool; every failure path converges on build_state = failed plus
// a terminal log record. The returned error reports the outcome to direct
// (CLI) callers.
func (p *Pool) Build(spec registry.AppSpec) error {
	rec, err := p.cfg.Registry.Create(spec)
	if err != nil {
		p.log(logd.LevelError, "", fmt.Sprintf("rejected app spec: %v", err))
		return err
	}
	name := rec.Name

	// Single-flight: the registry refuses building → building.
	if err := p.cfg.Registry.UpdateBuildState(name, registry.StateBuilding); err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			p.log(logd.LevelInfo, name, "build already in progress, skipping")
			return nil
		}
		return err
	}
	p.log(logd.LevelInfo, name, "build started")

	if err := p.runJob(rec); err != nil {
		p.setTerminalState(name, registry.StateFailed)
		p.log(logd.LevelError, name, fmt.Sprintf("build failed: %v", err))
		return err
	}
	p.setTerminalState(name, registry.StateCompleted)
	p.log(logd.LevelInfo, name, "build completed")
	return nil
}

// setTerminalState records the job outcome. A lost write leaves the record in
// BUILDING, where single-flight blocks every future build of the app.
func (p *Pool) setTerminalState(name string, state registry.BuildState) {
	if err := p.cfg.Registry.UpdateBuildState(name, state); err != nil {
		p.log(logd.LevelError, name, fmt.Sprintf("cannot record build state %s: %v", state, err))
	}
}

func (p *Pool) runJob(rec registry.AppRecord) error {
	spec := rec.Spec
	repoDir := filepath.Join(rec.Dir, "repo")
	buildDir := filepath.Join(rec.Dir, "build")

	if err := p.clone(spec, repoDir); err != nil {
		return err
	}
	if err := p.materializeContext(spec, buildDir); err != nil {
		return err
	}
	if p.cfg.RebuildBase {
		if err := p.rebuildBase(spec.Name, buildDir); err != nil {
			return err
		}
	}

	appDir := filepath.Join(buildDir, "app")
	if err := service.CopyTree(repoDir, filepath.Join(appDir, "repo")); err != nil {
		return errors.Wrap(err, "cannot stage repository in build context")
	}
	if err := p.assembleDockerfile(spec, repoDir, appDir); err != nil {
		return err
	}

	image := p.ImageName(spec.Name)
	buildArgs := []string{"build", "-t", image}
	if spec.HasDependency(registry.DepDockerfile) {
		buildArgs = append(buildArgs, "--no-cache")
	}
	buildArgs = append(buildArgs, appDir)
	if err := p.runStreamed(spec.Name, "docker", buildArgs...); err != nil {
		return errors.Wrap(err, "docker build failed")
	}

	if err := p.runStreamed(spec.Name, p.cfg.SquashTool, image); err != nil {
		return errors.Wrap(err, "squash-and-push failed")
	}

	if p.cfg.Settings.Options.Preload && p.cfg.Preloader != nil {
		if err := p.cfg.Preloader.PreloadImage(image); err != nil {
			// Preload is an optimization; a cold first launch still works.
			p.log(logd.LevelWarning, spec.Name, fmt.Sprintf("image preload failed: %v", err))
		}
	}
	return nil
}

// ImageName is the fully qualified tag for an app image.
func (p *Pool) ImageName(app string) string {
	return p.cfg.RegistryName + "/" + app
}

// clone fetches the repository with a clean slate.
func (p *Pool) clone(spec registry.AppSpec, repoDir string) error {
	if err := os.RemoveAll(repoDir); err != nil {
		return errors.Wrap(err, "cannot clear old checkout")
	}
	p.log(logd.LevelInfo, spec.Name, "fetching repository "+spec.RepoURL)
	if _, err := p.cfg.Runner.Run("git", "clone", "--depth", "1", spec.RepoURL, repoDir); err != nil {
		var cmdErr *shell.CommandError
		if errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Stderr), "not found") {
			return errors.Errorf("repository not found: %s", spec.RepoURL)
		}
		return errors.Wrap(err, "git clone failed")
	}
	return nil
}

// materializeContext recreates the build directory from the shipped image
// templates, rendered with the spec as parameters.
func (p *Pool) materializeContext(spec registry.AppSpec, buildDir string) error {
	if err := os.RemoveAll(buildDir); err != nil {
		return errors.Wrap(err, "cannot clear old build context")
	}
	if err := service.CopyTree(p.cfg.Settings.ImagesDir(), buildDir); err != nil {
		return errors.Wrap(err, "cannot copy image templates")
	}
	return template.FillTree(buildDir, p.specParams(spec))
}

// specParams exposes the spec's JSON fields as template parameters.
func (p *Pool) specParams(spec registry.AppSpec) template.Params {
	raw, _ := json.Marshal(spec)
	params := template.Params{}
	json.Unmarshal(raw, &params)
	params["image-name"] = p.ImageName(spec.Name)
	params["base-image"] = p.cfg.BaseImage
	return params
}

func (p *Pool) rebuildBase(app, buildDir string) error {
	baseDir := filepath.Join(buildDir, "base")
	p.log(logd.LevelInfo, app, "rebuilding base image "+p.cfg.BaseImage)
	if err := p.runStreamed(app, "docker", "build", "-t", p.cfg.BaseImage, baseDir); err != nil {
		return errors.Wrap(err, "base image build failed")
	}
	if err := p.runStreamed(app, "docker", "push", p.cfg.BaseImage); err != nil {
		return errors.Wrap(err, "base image push failed")
	}
	return nil
}

// runStreamed executes a command with stdout forwarded as INFO records and
// stderr as ERROR records, tagged with the app.
func (p *Pool) runStreamed(app, name string, args ...string) error {
	if p.cfg.Log == nil {
		return p.cfg.Runner.RunStream(io.Discard, io.Discard, name, args...)
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.cfg.Log.WriteStream(app, logd.LevelInfo, outR, false)
	}()
	go func() {
		defer wg.Done()
		p.cfg.Log.WriteStream(app, logd.LevelError, errR, false)
	}()
	err := p.cfg.Runner.RunStream(outW, errW, name, args...)
	outW.Close()
	errW.Close()
	wg.Wait()
	return err
}

func (p *Pool) log(level int, app, msg string) {
	if p.cfg.Log != nil {
		p.cfg.Log.Log(level, app, msg, false)
	}
}

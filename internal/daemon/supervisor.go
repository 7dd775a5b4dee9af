// Package daemon supervises the serving process: the API server, the builder
// pool, the log daemon subprocess, and the idle reaper, with ordered
// graceful shutdown on SIGINT/SIGTERM.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/binder-project/binder/internal/builder"
	"github.com/binder-project/binder/internal/config"
	"github.com/binder-project/binder/internal/web"
)

// Shutdown bounds.
const (
	buildGracePeriod = 60 * time.Second
	serverDrainGrace = 10 * time.Second
)

// Supervisor ties the long-lived pieces of the serve command together.
type Supervisor struct {
	settings *config.Settings
	server   *web.Server
	queue    *builder.Queue
	pool     *builder.Pool
	reaper   *Reaper
	log      *logrus.Entry

	logd *exec.Cmd
}

// New assembles a supervisor. reaper may be nil when the cluster is not
// reachable (build-only deployments).
func New(settings *config.Settings, server *web.Server, queue *builder.Queue, pool *builder.Pool, reaper *Reaper) *Supervisor {
	return &Supervisor{
		settings: settings,
		server:   server,
		queue:    queue,
		pool:     pool,
		reaper:   reaper,
		log:      logrus.WithField("component", "daemon"),
	}
}

// Run serves until a termination signal arrives, then shuts down in order:
// websocket streams, reaper, build queue, in-flight builds, HTTP server.
func (s *Supervisor) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.startLogDaemon(); err != nil {
		return err
	}

	// Workers drain the queue independently of the signal context so
	// accepted builds finish during shutdown.
	s.pool.Start(context.Background())
	if s.reaper != nil {
		s.reaper.Start()
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.settings.Options.APIPort),
		Handler: s.server.Router(),
	}
	serveErr := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", httpSrv.Addr)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		s.shutdown(httpSrv)
		return errors.Wrap(err, "api server failed")
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	s.shutdown(httpSrv)
	return nil
}

func (s *Supervisor) shutdown(httpSrv *http.Server) {
	s.server.CloseStreams()
	if s.reaper != nil {
		s.reaper.Stop()
	}
	s.queue.Close()

	finished := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(buildGracePeriod):
		s.log.Warn("builds still running after grace period, exiting anyway")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), serverDrainGrace)
	defer cancel()
	httpSrv.Shutdown(drainCtx)

	s.stopLogDaemon()
}

// startLogDaemon launches `binder logd` as a child process so log file
// handles live outside the API server.
func (s *Supervisor) startLogDaemon() error {
	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "cannot locate own binary")
	}
	cmd := exec.Command(self, "logd")
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "cannot start log daemon")
	}
	s.logd = cmd
	s.log.Infof("log daemon running as pid %d", cmd.Process.Pid)
	return nil
}

func (s *Supervisor) stopLogDaemon() {
	if s.logd == nil || s.logd.Process == nil {
		return
	}
	s.logd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		s.logd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logd.Process.Kill()
	}
}

// Package web is the public HTTP/WebSocket surface: build admission, status
// polling, deploy redirects, and log streaming. Handlers never do blocking
// work inline; everything that touches the registry, the cluster, or the log
// plane runs through a bounded worker pool.
package web

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/binder-project/binder/internal/builder"
	"github.com/binder-project/binder/internal/cluster"
	"github.com/binder-project/binder/internal/config"
	"github.com/binder-project/binder/internal/registry"
	"github.com/binder-project/binder/internal/service"
)

// maxBlockingWorkers bounds how many handlers may run blocking work at once.
const maxBlockingWorkers = 16

// Deployer launches a completed app and returns its redirect URL.
type Deployer interface {
	Deploy(rec registry.AppRecord, mode string) (string, error)
}

// Server owns the router and the handler state.
type Server struct {
	settings *config.Settings
	registry registry.AppRegistry
	services service.Registry
	queue    *builder.Queue
	cluster  cluster.Controller
	deployer Deployer
	rdb      redis.UniversalClient
	log      *logrus.Entry

	upgrader websocket.Upgrader
	sem      chan struct{}

	// capacity cache, refreshed at most once per poll period
	capMu   sync.Mutex
	capVal  int
	capTime time.Time

	// live websocket streams, cancelled on shutdown
	streamMu sync.Mutex
	streams  map[chan struct{}]bool
}

// New assembles the server.
func New(settings *config.Settings, reg registry.AppRegistry, services service.Registry, queue *builder.Queue, ctrl cluster.Controller, deployer Deployer, rdb redis.UniversalClient) *Server {
	return &Server{
		settings: settings,
		registry: reg,
		services: services,
		queue:    queue,
		cluster:  ctrl,
		deployer: deployer,
		rdb:      rdb,
		log:      logrus.WithField("component", "web"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sem:     make(chan struct{}, maxBlockingWorkers),
		streams: map[chan struct{}]bool{},
	}
}

// Router builds the chi router with every public endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.settings.Options.AllowOrigin {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE"},
		}))
	}

	r.Get("/apps", s.handleListApps)
	r.Get("/services", s.handleListServices)
	r.Get("/running", s.handleRunning)
	r.Get("/capacity", s.handleCapacity)

	r.Route("/apps/{org}/{repo}", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleDeploy)
		r.Get("/status", s.handleStatus)
		r.Get("/logs/static", s.handleStaticLogs)
		r.Get("/logs/live", s.handleLiveLogs)
	})
	return r
}

// block runs fn on the bounded worker pool and waits for it.
func (s *Server) block(fn func()) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	fn()
}

func jsonResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// appName derives the registry key from the URL.
func appName(r *http.Request) string {
	return registry.MakeName(chi.URLParam(r, "org"), chi.URLParam(r, "repo"))
}

// ── admission ───────────────────────────────────────────────────

// handleSubmit admits a build request and enqueues it without blocking.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	repo := chi.URLParam(r, "repo")

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "malformed app specification", http.StatusBadRequest)
		return
	}
	// The server derives the repository; a spec carrying one is malformed.
	if _, ok := body["repo"]; ok {
		jsonError(w, "malformed app specification", http.StatusBadRequest)
		return
	}

	var spec registry.AppSpec
	if len(body) > 0 {
		raw, _ := json.Marshal(body)
		if err := json.Unmarshal(raw, &spec); err != nil {
			jsonError(w, "malformed app specification", http.StatusBadRequest)
			return
		}
	}
	// An explicit name is accepted but always overwritten.
	spec.Name = registry.MakeName(org, repo)
	spec.RepoURL = "https://github.com/" + org + "/" + repo
	if err := spec.Validate(); err != nil {
		jsonError(w, "malformed app specification", http.StatusBadRequest)
		return
	}

	if err := s.queue.TryEnqueue(spec); err != nil {
		if errors.Is(err, builder.ErrQueueClosed) {
			jsonError(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		jsonResponse(w, map[string]string{"error": "build queue full"})
		return
	}
	jsonResponse(w, map[string]string{"success": "app submitted to build queue"})
}

// ── status / deploy ─────────────────────────────────────────────

var statusNames = map[registry.BuildState]string{
	registry.StateNone:      "unknown",
	registry.StateBuilding:  "building",
	registry.StateCompleted: "completed",
	registry.StateFailed:    "failed",
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var rec registry.AppRecord
	var err error
	s.block(func() { rec, err = s.registry.Find(appName(r)) })
	if err != nil {
		jsonError(w, "app not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"build_status": statusNames[rec.BuildState]})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var rec registry.AppRecord
	var err error
	s.block(func() { rec, err = s.registry.Find(appName(r)) })
	if err != nil || rec.BuildState != registry.StateCompleted {
		jsonError(w, "no app available to deploy", http.StatusNotFound)
		return
	}

	var url string
	s.block(func() { url, err = s.deployer.Deploy(rec, service.ModeSingleNode) })
	if err != nil {
		s.log.WithError(err).Errorf("deploy failed for %s", rec.Name)
		jsonError(w, "deployment failed", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"redirect_url": url})
}

// ── listings ────────────────────────────────────────────────────

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	var recs []registry.AppRecord
	var err error
	s.block(func() { recs, err = s.registry.FindAll() })
	if err != nil {
		jsonError(w, "cannot enumerate apps", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []registry.AppRecord{}
	}
	jsonResponse(w, recs)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	var svcs []*service.Service
	var err error
	s.block(func() { svcs, err = s.services.List() })
	if err != nil {
		jsonError(w, "cannot enumerate services", http.StatusInternalServerError)
		return
	}
	names := []string{}
	for _, svc := range svcs {
		names = append(names, svc.FullName())
	}
	jsonResponse(w, names)
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	var apps []cluster.RunningApp
	var err error
	s.block(func() { apps, err = s.cluster.RunningApps() })
	if err != nil {
		jsonError(w, "cannot list running apps", http.StatusInternalServerError)
		return
	}
	if apps == nil {
		apps = []cluster.RunningApp{}
	}
	jsonResponse(w, apps)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	var capacity int
	var apps []cluster.RunningApp
	var err error
	s.block(func() {
		capacity, err = s.cachedCapacity()
		if err == nil {
			apps, err = s.cluster.RunningApps()
		}
	})
	if err != nil {
		jsonError(w, "cannot compute capacity", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]int{"capacity": capacity, "running": len(apps)})
}

// cachedCapacity serves the node-capacity sum from cache within the poll
// period; describing every node is too slow for a hot endpoint.
func (s *Server) cachedCapacity() (int, error) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if !s.capTime.IsZero() && time.Since(s.capTime) < s.settings.Options.CapacityPoll() {
		return s.capVal, nil
	}
	val, err := s.cluster.TotalCapacity()
	if err != nil {
		return 0, err
	}
	s.capVal = val
	s.capTime = time.Now()
	return val, nil
}

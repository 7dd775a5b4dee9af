// Package config loads binder's static configuration: mandatory environment
// variables, recognized options with defaults, and the layout of the state
// directory rooted at HOME_DIR. Components receive a *Settings at construction
// time rather than reading the environment themselves.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Environment variables recognized at startup.
const (
	EnvHome     = "HOME_DIR"
	EnvProject  = "PROJECT"
	EnvProvider = "ORCHESTRATOR_PROVIDER"
	EnvBroker   = "BROKER_ADDR"
)

// DefaultProvider is used when ORCHESTRATOR_PROVIDER is unset.
const DefaultProvider = "gce"

// DefaultBrokerAddr is the broker (Redis) endpoint known to all clients.
const DefaultBrokerAddr = "localhost:6379"

// OptionsFile is an optional JSON document under HOME_DIR overriding the
// recognized options.
const OptionsFile = "binder.json"

// TimeFormat is the timestamp layout used across the state store and the log
// plane. The first two whitespace-separated tokens of a log line parse with
// this layout.
const TimeFormat = "2006-01-02 15:04:05,000"

// Options are the recognized tunables with their spec'd defaults.
type Options struct {
	QueueCapacity      int  `json:"queue.capacity"`
	BuilderWorkers     int  `json:"builder.workers"`
	AllowOrigin        bool `json:"allow_origin"`
	Preload            bool `json:"preload"`
	APIPort            int  `json:"api.port"`
	CronPeriodMinutes  int  `json:"cron_period_minutes"`
	InactiveMinutes    int  `json:"inactive_threshold_minutes"`
	CapacityPollPeriod int  `json:"capacity_poll_period_seconds"`
}

// DefaultOptions returns the option set every deployment starts from.
func DefaultOptions() Options {
	return Options{
		QueueCapacity:      50,
		BuilderWorkers:     10,
		AllowOrigin:        true,
		Preload:            true,
		APIPort:            8080,
		CronPeriodMinutes:  5,
		InactiveMinutes:    30,
		CapacityPollPeriod: 3600,
	}
}

// CronPeriod returns the idle-reaper tick interval.
func (o Options) CronPeriod() time.Duration {
	return time.Duration(o.CronPeriodMinutes) * time.Minute
}

// InactiveThreshold returns the idle cutoff for route reaping.
func (o Options) InactiveThreshold() time.Duration {
	return time.Duration(o.InactiveMinutes) * time.Minute
}

// CapacityPoll returns how long a capacity query may be served from cache.
func (o Options) CapacityPoll() time.Duration {
	return time.Duration(o.CapacityPollPeriod) * time.Second
}

// Settings is the root configuration object handed to every component.
type Settings struct {
	// Root is the state directory (HOME_DIR). Mandatory.
	Root string

	// Project identifies the private registry path, e.g. "gcr.io/binder-dev".
	Project string

	// Provider names the orchestrator provider ("gce", "aws").
	Provider string

	// BrokerAddr is the log-plane broker endpoint.
	BrokerAddr string

	Options Options
}

// Load reads the environment and the optional options file. A missing
// HOME_DIR is fatal for the process; the caller is expected to exit.
func Load() (*Settings, error) {
	root := os.Getenv(EnvHome)
	if root == "" {
		return nil, errors.Errorf("%s environment variable must be set", EnvHome)
	}

	s := &Settings{
		Root:       root,
		Project:    os.Getenv(EnvProject),
		Provider:   os.Getenv(EnvProvider),
		BrokerAddr: os.Getenv(EnvBroker),
		Options:    DefaultOptions(),
	}
	if s.Provider == "" {
		s.Provider = DefaultProvider
	}
	if s.BrokerAddr == "" {
		s.BrokerAddr = DefaultBrokerAddr
	}

	raw, err := os.ReadFile(filepath.Join(root, OptionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, "cannot read options file")
	}
	if err := json.Unmarshal(raw, &s.Options); err != nil {
		return nil, errors.Wrapf(err, "malformed %s", OptionsFile)
	}
	return s, nil
}

// ── State directory layout ──────────────────────────────────────

// AppsDir holds one subdirectory per application record.
func (s *Settings) AppsDir() string { return filepath.Join(s.Root, "apps") }

// AppDir is the working directory for a named app.
func (s *Settings) AppDir(name string) string { return filepath.Join(s.AppsDir(), name) }

// ServicesDir holds service definitions as {name}/{version} trees.
func (s *Settings) ServicesDir() string { return filepath.Join(s.Root, "services") }

// LogsDir is the root of the log plane's file tree.
func (s *Settings) LogsDir() string { return filepath.Join(s.Root, "logs", "binder") }

// RootLogPath is the system-wide log file.
func (s *Settings) RootLogPath() string {
	return filepath.Join(s.LogsDir(), "root", "binder.log")
}

// AppLogPath is the raw per-app log file.
func (s *Settings) AppLogPath(name string) string {
	return filepath.Join(s.LogsDir(), "apps", name+".log")
}

// FilteredLogPath is the per-app log file excluding no-publish records.
func (s *Settings) FilteredLogPath(name string) string {
	return filepath.Join(s.LogsDir(), "apps", name+"-filtered.log")
}

// ProxyInfoPath persists the front-end proxy URL and auth token.
func (s *Settings) ProxyInfoPath() string { return filepath.Join(s.Root, ".proxy_info") }

// RegistryInfoPath persists the private image registry URL.
func (s *Settings) RegistryInfoPath() string { return filepath.Join(s.Root, ".registry_info") }

// ImagesDir holds the shipped image-template tree copied into each build
// context ("base" plus the app scaffolding).
func (s *Settings) ImagesDir() string { return filepath.Join(s.Root, "images") }

// TemplatesDir holds the orchestrator manifest templates.
func (s *Settings) TemplatesDir() string { return filepath.Join(s.Root, "templates") }

// ProxyDeployDir holds the shipped front-end proxy manifests.
func (s *Settings) ProxyDeployDir() string { return filepath.Join(s.Root, "proxy", "deployment") }

// RegistryDeployDir holds the shipped private registry manifests.
func (s *Settings) RegistryDeployDir() string {
	return filepath.Join(s.Root, "registry", "deployment")
}

// UtilDir holds the external shell tools (squash-and-push).
func (s *Settings) UtilDir() string { return filepath.Join(s.Root, "util") }

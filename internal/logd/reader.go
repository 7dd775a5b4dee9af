package logd

import (
	"os"
	"strings"
	"time"

	"github.com/binder-project/binder/internal/config"
)

// LogReader answers `get` requests with the stored contents of a per-app log
// file, optionally cut to lines newer than a timestamp.
type LogReader struct {
	settings *config.Settings
}

// NewLogReader builds the reader module.
func NewLogReader(settings *config.Settings) *LogReader {
	return &LogReader{settings: settings}
}

// Tag implements Module.
func (r *LogReader) Tag() string { return TagLogReader }

// Init implements Module.
func (r *LogReader) Init() error { return nil }

// Close implements Module.
func (r *LogReader) Close() error { return nil }

// Handle implements Module for `get` requests. Only per-app logs are
// readable; the root log stays on disk.
func (r *LogReader) Handle(req Request) Response {
	if req.Type != "get" {
		return Error("unknown request type: " + req.Type)
	}
	if req.App == "" {
		return Error("can only get logs for apps")
	}

	path := r.settings.AppLogPath(req.App)
	if req.Filtered {
		path = r.settings.FilteredLogPath(req.App)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Success("")
		}
		return Error("cannot read logs for " + req.App)
	}
	if req.Since == "" {
		return Success(strings.TrimRight(string(raw), "\n"))
	}

	since, err := time.Parse(config.TimeFormat, req.Since)
	if err != nil {
		return Error("malformed since timestamp: " + req.Since)
	}
	var kept []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		ts, ok := LineTime(line)
		if !ok || !ts.After(since) {
			continue
		}
		kept = append(kept, line)
	}
	return Success(strings.Join(kept, "\n"))
}

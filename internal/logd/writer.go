package logd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/binder-project/binder/internal/config"
)

// FormatLine renders one log line in the binder file format. The first two
// whitespace-separated tokens form the parseable timestamp.
func FormatLine(t time.Time, level int, tag, msg string) string {
	return fmt.Sprintf("%s %s: - %s: %s", t.Format(config.TimeFormat), LevelName(level), tag, msg)
}

// lineFormatter adapts logrus output to the binder line format.
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	tag, _ := e.Data["tag"].(string)
	line := fmt.Sprintf("%s %s: - %s: %s\n",
		e.Time.Format(config.TimeFormat),
		strings.ToUpper(e.Level.String()),
		tag,
		e.Message,
	)
	return []byte(line), nil
}

// appLogger is the raw/filtered logger pair owned per app.
type appLogger struct {
	raw      *logrus.Logger
	filtered *logrus.Logger
}

// LogWriter owns the log plane's file handles. It accepts `log` requests,
// writes them to the root or per-app files, and publishes every non-
// no_publish record on the live topic.
type LogWriter struct {
	settings *config.Settings
	rdb      redis.UniversalClient

	mu    sync.Mutex
	root  *logrus.Logger
	apps  map[string]*appLogger
	files []*os.File

	now func() time.Time
}

// NewLogWriter builds the writer module. rdb carries the live publishes.
func NewLogWriter(settings *config.Settings, rdb redis.UniversalClient) *LogWriter {
	return &LogWriter{
		settings: settings,
		rdb:      rdb,
		apps:     map[string]*appLogger{},
		now:      time.Now,
	}
}

// Tag implements Module.
func (w *LogWriter) Tag() string { return TagLogWriter }

// Init opens the root log file.
func (w *LogWriter) Init() error {
	root, err := w.fileLogger(w.settings.RootLogPath())
	if err != nil {
		return err
	}
	w.root = root
	return nil
}

// Close releases every open log file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		f.Close()
	}
	w.files = nil
	return nil
}

// Handle implements Module for `log` requests.
func (w *LogWriter) Handle(req Request) Response {
	if req.Type != "log" {
		return Error("unknown request type: " + req.Type)
	}
	if req.Tag == "" || req.Msg == "" || LevelName(req.Level) == "" {
		return Error("malformed log record")
	}
	switch req.Level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
	default:
		return Error("malformed log record")
	}

	msg := StripANSI(req.Msg)
	now := w.now()

	if req.App == "" {
		w.write(w.root, now, req.Level, req.Tag, msg)
	} else {
		al, err := w.appLoggers(req.App)
		if err != nil {
			return Error(err.Error())
		}
		w.write(al.raw, now, req.Level, req.Tag, msg)
		if !req.NoPublish {
			w.write(al.filtered, now, req.Level, req.Tag, msg)
		}
	}

	if !req.NoPublish {
		line := FormatLine(now, req.Level, req.Tag, msg)
		w.rdb.Publish(context.Background(), Topic(req.App), line)
	}
	return Success("logged")
}

func (w *LogWriter) write(l *logrus.Logger, t time.Time, level int, tag, msg string) {
	entry := l.WithTime(t).WithField("tag", tag)
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelWarning:
		entry.Warning(msg)
	case LevelError:
		entry.Error(msg)
	}
}

func (w *LogWriter) appLoggers(app string) (*appLogger, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if al, ok := w.apps[app]; ok {
		return al, nil
	}
	raw, err := w.fileLogger(w.settings.AppLogPath(app))
	if err != nil {
		return nil, err
	}
	filtered, err := w.fileLogger(w.settings.FilteredLogPath(app))
	if err != nil {
		return nil, err
	}
	al := &appLogger{raw: raw, filtered: filtered}
	w.apps[app] = al
	return al, nil
}

func (w *LogWriter) fileLogger(path string) (*logrus.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "cannot create log directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open log file %s", path)
	}
	w.files = append(w.files, f)

	l := logrus.New()
	l.SetOutput(f)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(lineFormatter{})
	return l, nil
}

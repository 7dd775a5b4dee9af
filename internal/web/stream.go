package web

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/binder-project/binder/internal/logger"
	"github.com/binder-project/binder/internal/registry"
)

// handleStaticLogs returns the stored log lines since the last build.
func (s *Server) handleStaticLogs(w http.ResponseWriter, r *http.Request) {
	var rec registry.AppRecord
	var err error
	s.block(func() { rec, err = s.registry.Find(appName(r)) })
	if err != nil {
		jsonError(w, "app not found", http.StatusNotFound)
		return
	}

	var logs string
	s.block(func() {
		logs, err = logger.GetLogs(r.Context(), s.rdb, rec.Name, rec.LastBuildTime, false)
	})
	if err != nil {
		s.log.WithError(err).Warnf("log fetch failed for %s", rec.Name)
		jsonError(w, "cannot fetch logs", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"logs": logs})
}

// handleLiveLogs upgrades to a websocket and streams history-then-live log
// lines, one line per text message.
func (s *Server) handleLiveLogs(w http.ResponseWriter, r *http.Request) {
	var rec registry.AppRecord
	var err error
	s.block(func() { rec, err = s.registry.Find(appName(r)) })
	if err != nil {
		jsonError(w, "app not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := s.registerStream()
	defer s.unregisterStream(stop)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Reads only serve to detect the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lines := make(chan string, 64)
	go logger.NewStreamer(s.rdb).Stream(ctx, rec.Name, rec.LastBuildTime, lines)

	for line := range lines {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
}

func (s *Server) registerStream() chan struct{} {
	stop := make(chan struct{})
	s.streamMu.Lock()
	s.streams[stop] = true
	s.streamMu.Unlock()
	return stop
}

func (s *Server) unregisterStream(stop chan struct{}) {
	s.streamMu.Lock()
	if s.streams[stop] {
		delete(s.streams, stop)
	}
	s.streamMu.Unlock()
}

// CloseStreams asks every live websocket stream to shut down. The supervisor
// calls this first during graceful shutdown.
func (s *Server) CloseStreams() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	for stop := range s.streams {
		close(stop)
		delete(s.streams, stop)
	}
}

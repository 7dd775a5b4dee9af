package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/binder-project/binder/internal/config"
	"github.com/binder-project/binder/internal/logd"
)

func newTestBroker(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func startDaemon(t *testing.T, rdb redis.UniversalClient, modules ...logd.Module) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		logd.New(rdb, modules...).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// ────────────────────────────────────────────────────────────────────────────
// Client
// ────────────────────────────────────────────────────────────────────────────

func TestClientQueuesToWriterList(t *testing.T) {
	rdb := newTestBroker(t)
	c := NewClient(rdb, "web")
	c.Info("acme-demo", "deploying")
	c.Close()

	raw, err := rdb.RPop(context.Background(), logd.ReqKey(logd.TagLogWriter)).Result()
	if err != nil {
		t.Fatalf("no record shipped: %v", err)
	}
	var req logd.Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatal(err)
	}
	if req.Type != "log" || req.Level != logd.LevelInfo || req.Tag != "web" ||
		req.App != "acme-demo" || req.Msg != "deploying" {
		t.Errorf("shipped %+v", req)
	}
	if req.ReplyTo != "" {
		t.Error("log records must not demand replies")
	}
}

func TestClientWriteStream(t *testing.T) {
	rdb := newTestBroker(t)
	c := NewClient(rdb, "builder")
	stream := strings.NewReader("line one\n\nline two\n")
	if err := c.WriteStream("acme-demo", logd.LevelInfo, stream, true); err != nil {
		t.Fatal(err)
	}
	c.Close()

	ctx := context.Background()
	n, err := rdb.LLen(ctx, logd.ReqKey(logd.TagLogWriter)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("shipped %d records, want 2 (blank lines dropped)", n)
	}
	raw, _ := rdb.RPop(ctx, logd.ReqKey(logd.TagLogWriter)).Result()
	var req logd.Request
	json.Unmarshal([]byte(raw), &req)
	if req.Msg != "line one" || !req.NoPublish {
		t.Errorf("first record = %+v", req)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Request / reply
// ────────────────────────────────────────────────────────────────────────────

func TestGetLogsRoundTrip(t *testing.T) {
	rdb := newTestBroker(t)
	settings := &config.Settings{Root: t.TempDir(), Options: config.DefaultOptions()}

	w := logd.NewLogWriter(settings, rdb)
	if err := w.Init(); err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	w.Handle(logd.Request{Type: "log", Level: logd.LevelInfo, Tag: "builder",
		Msg: "cloning repo", App: "acme-demo"})

	startDaemon(t, rdb, logd.NewLogReader(settings))

	logs, err := GetLogs(context.Background(), rdb, "acme-demo", "", false)
	if err != nil {
		t.Fatalf("GetLogs() error: %v", err)
	}
	if !strings.Contains(logs, "cloning repo") {
		t.Errorf("logs = %q", logs)
	}
}

func TestRequestReplyTimeout(t *testing.T) {
	rdb := newTestBroker(t)
	_, err := RequestReply(context.Background(), rdb, "nobody",
		logd.Request{Type: "get"}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("request to an unserved tag should time out")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Streamer
// ────────────────────────────────────────────────────────────────────────────

func TestStreamerHistoryThenLive(t *testing.T) {
	rdb := newTestBroker(t)
	settings := &config.Settings{Root: t.TempDir(), Options: config.DefaultOptions()}

	clock := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	line := func(ts time.Time, msg string) string {
		return logd.FormatLine(ts, logd.LevelInfo, "builder", msg)
	}
	history := line(clock, "history one") + "\n" + line(clock.Add(time.Minute), "history two") + "\n"
	path := settings.FilteredLogPath("acme-demo")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(history), 0644); err != nil {
		t.Fatal(err)
	}

	startDaemon(t, rdb, logd.NewLogReader(settings))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make(chan string, 16)
	go NewStreamer(rdb).Stream(ctx, "acme-demo", "", out)

	var got []string
	for len(got) < 2 {
		select {
		case line := <-out:
			got = append(got, line)
		case <-ctx.Done():
			t.Fatalf("history not replayed, got %v", got)
		}
	}
	if !strings.Contains(got[0], "history one") || !strings.Contains(got[1], "history two") {
		t.Fatalf("history order wrong: %v", got)
	}

	if err := rdb.Publish(ctx, logd.Topic("acme-demo"),
		line(clock.Add(2*time.Minute), "live one")).Err(); err != nil {
		t.Fatal(err)
	}
	select {
	case line := <-out:
		if !strings.Contains(line, "live one") {
			t.Errorf("live line = %q", line)
		}
	case <-ctx.Done():
		t.Fatal("live record not streamed")
	}
}

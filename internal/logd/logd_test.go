package logd

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/binder-project/binder/internal/config"
)

func newTestBroker(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func newTestWriter(t *testing.T, rdb redis.UniversalClient) (*LogWriter, *config.Settings) {
	t.Helper()
	settings := &config.Settings{Root: t.TempDir(), Options: config.DefaultOptions()}
	w := NewLogWriter(settings, rdb)
	if err := w.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w, settings
}

// ────────────────────────────────────────────────────────────────────────────
// LogWriter
// ────────────────────────────────────────────────────────────────────────────

func TestWriterRoutesAppRecords(t *testing.T) {
	rdb := newTestBroker(t)
	w, settings := newTestWriter(t, rdb)
	w.now = func() time.Time {
		return time.Date(2026, 8, 26, 10, 30, 0, 250e6, time.UTC)
	}

	resp := w.Handle(Request{Type: "log", Level: LevelInfo, Tag: "builder", Msg: "step one", App: "acme-demo"})
	if !resp.OK() {
		t.Fatalf("Handle() = %+v", resp)
	}

	want := "2026-08-26 10:30:00,250 INFO: - builder: step one\n"
	for _, path := range []string{
		settings.AppLogPath("acme-demo"),
		settings.FilteredLogPath("acme-demo"),
	} {
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("log file missing: %v", err)
		}
		if string(raw) != want {
			t.Errorf("%s = %q, want %q", path, raw, want)
		}
	}
}

func TestWriterNoPublishSkipsFilteredFile(t *testing.T) {
	rdb := newTestBroker(t)
	w, settings := newTestWriter(t, rdb)

	resp := w.Handle(Request{
		Type: "log", Level: LevelDebug, Tag: "builder",
		Msg: "internal detail", App: "acme-demo", NoPublish: true,
	})
	if !resp.OK() {
		t.Fatalf("Handle() = %+v", resp)
	}

	if _, err := os.Stat(settings.AppLogPath("acme-demo")); err != nil {
		t.Errorf("raw log should always be written: %v", err)
	}
	raw, _ := os.ReadFile(settings.FilteredLogPath("acme-demo"))
	if len(raw) != 0 {
		t.Errorf("filtered log should stay empty for no_publish records: %q", raw)
	}
}

func TestWriterRootRecords(t *testing.T) {
	rdb := newTestBroker(t)
	w, settings := newTestWriter(t, rdb)

	resp := w.Handle(Request{Type: "log", Level: LevelWarning, Tag: "web", Msg: "queue full"})
	if !resp.OK() {
		t.Fatalf("Handle() = %+v", resp)
	}
	raw, err := os.ReadFile(settings.RootLogPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "WARNING: - web: queue full") {
		t.Errorf("root log = %q", raw)
	}
}

func TestWriterStripsANSI(t *testing.T) {
	rdb := newTestBroker(t)
	w, settings := newTestWriter(t, rdb)

	w.Handle(Request{Type: "log", Level: LevelInfo, Tag: "builder",
		Msg: "\x1b[32mStep 1/5\x1b[0m done", App: "acme-demo"})

	raw, _ := os.ReadFile(settings.AppLogPath("acme-demo"))
	if strings.Contains(string(raw), "\x1b") || strings.Contains(string(raw), "[32m") {
		t.Errorf("escapes survived: %q", raw)
	}
	if !strings.Contains(string(raw), "Step 1/5 done") {
		t.Errorf("message mangled: %q", raw)
	}
}

func TestWriterRejectsMalformedRecords(t *testing.T) {
	rdb := newTestBroker(t)
	w, _ := newTestWriter(t, rdb)

	for name, req := range map[string]Request{
		"missing tag":   {Type: "log", Level: LevelInfo, Msg: "hi"},
		"missing msg":   {Type: "log", Level: LevelInfo, Tag: "web"},
		"unknown level": {Type: "log", Level: 15, Tag: "web", Msg: "hi"},
	} {
		if resp := w.Handle(req); resp.OK() {
			t.Errorf("%s: Handle() accepted %+v", name, req)
		}
	}
}

func TestWriterPublishesFormattedLine(t *testing.T) {
	rdb := newTestBroker(t)
	w, _ := newTestWriter(t, rdb)
	w.now = func() time.Time {
		return time.Date(2026, 8, 26, 10, 30, 0, 250e6, time.UTC)
	}

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, Topic("acme-demo"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	w.Handle(Request{Type: "log", Level: LevelInfo, Tag: "builder", Msg: "pushed", App: "acme-demo"})

	select {
	case msg := <-sub.Channel():
		want := "2026-08-26 10:30:00,250 INFO: - builder: pushed"
		if msg.Payload != want {
			t.Errorf("published %q, want %q", msg.Payload, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// LogReader
// ────────────────────────────────────────────────────────────────────────────

func TestReaderSinceCutoff(t *testing.T) {
	rdb := newTestBroker(t)
	w, settings := newTestWriter(t, rdb)

	stamps := []time.Time{
		time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 26, 10, 5, 0, 0, time.UTC),
		time.Date(2026, 8, 26, 10, 10, 0, 0, time.UTC),
	}
	for i, ts := range stamps {
		w.now = func() time.Time { return ts }
		w.Handle(Request{Type: "log", Level: LevelInfo, Tag: "builder",
			Msg: []string{"first", "second", "third"}[i], App: "acme-demo"})
	}

	r := NewLogReader(settings)
	resp := r.Handle(Request{Type: "get", App: "acme-demo",
		Since: stamps[0].Format(config.TimeFormat)})
	if !resp.OK() {
		t.Fatalf("Handle() = %+v", resp)
	}
	// The cutoff is strict: the line at exactly `since` is excluded.
	if strings.Contains(resp.Msg, "first") {
		t.Errorf("line at the cutoff should be excluded: %q", resp.Msg)
	}
	for _, want := range []string{"second", "third"} {
		if !strings.Contains(resp.Msg, want) {
			t.Errorf("missing %q in %q", want, resp.Msg)
		}
	}
}

func TestReaderRequiresApp(t *testing.T) {
	r := NewLogReader(&config.Settings{Root: t.TempDir()})
	if resp := r.Handle(Request{Type: "get"}); resp.OK() {
		t.Fatal("get without an app should fail")
	}
}

func TestReaderMissingFileIsEmpty(t *testing.T) {
	r := NewLogReader(&config.Settings{Root: t.TempDir()})
	resp := r.Handle(Request{Type: "get", App: "never-logged"})
	if !resp.OK() || resp.Msg != "" {
		t.Fatalf("Handle() = %+v, want empty success", resp)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Daemon round trip
// ────────────────────────────────────────────────────────────────────────────

func TestDaemonRoundTrip(t *testing.T) {
	rdb := newTestBroker(t)
	w, _ := newTestWriter(t, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		// The writer is already initialized by the fixture; reuse it raw.
		d := New(rdb, w)
		d.Run(ctx)
	}()

	req := Request{Type: "log", ReplyTo: "test-1", Level: LevelInfo, Tag: "web", Msg: "hello", App: "acme-demo"}
	raw, _ := json.Marshal(req)
	if err := rdb.LPush(ctx, ReqKey(TagLogWriter), raw).Err(); err != nil {
		t.Fatal(err)
	}

	res, err := rdb.BRPop(ctx, 3*time.Second, ReplyKey("test-1")).Result()
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(res[1]), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK() {
		t.Errorf("reply = %+v", resp)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on cancel")
	}
}

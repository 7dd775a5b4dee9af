package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func writeTestInfo(t *testing.T, url, token string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".proxy_info")
	if err := WriteInfo(path, Info{URL: url, Token: token}); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInfoRoundTrip(t *testing.T) {
	path := writeTestInfo(t, "https://proxy.example", "s3cret")
	info, err := ReadInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.URL != "https://proxy.example" || info.Token != "s3cret" {
		t.Errorf("ReadInfo() = %+v", info)
	}
}

func TestRegisterRoute(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(writeTestInfo(t, srv.URL, "tok"))
	if err := c.Register("a1b2c3d4", RouteTarget("10.0.0.7", 8888)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if gotPath != "/api/routes/a1b2c3d4" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "token tok" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["target"] != "http://10.0.0.7:8888" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestRegisterNon201IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(writeTestInfo(t, srv.URL, "tok"))
	if err := c.Register("a1b2c3d4", "http://10.0.0.7:8888"); err == nil {
		t.Fatal("Register() should fail on non-201")
	}
}

func TestRemoveRoute(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(writeTestInfo(t, srv.URL, "tok"))
	if err := c.Remove("a1b2c3d4"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/routes/a1b2c3d4" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestInactiveRoutesStripsSlash(t *testing.T) {
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("inactive_since")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"/a1b2c3d4": map[string]string{"target": "http://10.0.0.7:8888"},
			"/e5f6a7b8": map[string]string{"target": "http://10.0.0.9:8888"},
		})
	}))
	defer srv.Close()

	c := NewClient(writeTestInfo(t, srv.URL, "tok"))
	cutoff := time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC)
	ids, err := c.InactiveRoutes(cutoff)
	if err != nil {
		t.Fatalf("InactiveRoutes() error: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a1b2c3d4" || ids[1] != "e5f6a7b8" {
		t.Errorf("ids = %v", ids)
	}
	if gotSince != "2026-08-26T09:30:00Z" {
		t.Errorf("inactive_since = %q", gotSince)
	}
}

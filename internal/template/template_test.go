package template

import (
	"os"
	"path/filepath"
	"testing"
)

// ────────────────────────────────────────────────────────────────────────────
// FillString
// ────────────────────────────────────────────────────────────────────────────

func TestFillString(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		params Params
		want   string
	}{
		{
			"simple",
			"image: {{app.name}}:latest",
			Params{"app.name": "acme-demo"},
			"image: acme-demo:latest",
		},
		{
			"multiple_keys",
			"{{app.name}} on port {{app.notebooks_port}}",
			Params{"app.name": "acme-demo", "app.notebooks_port": 8888},
			"acme-demo on port 8888",
		},
		{
			"unknown_key_untouched",
			"target: {{component.image-name}}",
			Params{"app.name": "x"},
			"target: {{component.image-name}}",
		},
		{
			"no_tokens_is_identity",
			`{"kind": "Namespace"}`,
			Params{"app.name": "x"},
			`{"kind": "Namespace"}`,
		},
		{
			"no_reexpansion",
			"{{outer}}",
			Params{"outer": "{{inner}}", "inner": "boom"},
			"{{inner}}",
		},
		{
			"repeated_token",
			"{{id}}-{{id}}",
			Params{"id": "a1b2"},
			"a1b2-a1b2",
		},
		{
			"empty_params",
			"{{anything}}",
			Params{},
			"{{anything}}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FillString(tt.text, tt.params); got != tt.want {
				t.Errorf("FillString(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Namespace / Merge
// ────────────────────────────────────────────────────────────────────────────

func TestNamespace(t *testing.T) {
	in := Params{"name": "demo", "id": "a1b2"}
	out := Namespace("app", in)
	if len(out) != 2 {
		t.Fatalf("Namespace() returned %d keys, want 2", len(out))
	}
	if out["app.name"] != "demo" || out["app.id"] != "a1b2" {
		t.Errorf("Namespace() = %v", out)
	}
	if _, ok := out["name"]; ok {
		t.Error("Namespace() leaked unprefixed key")
	}
}

func TestMergeLaterWins(t *testing.T) {
	got := Merge(Params{"a": 1, "b": 1}, Params{"b": 2})
	if got["a"] != 1 || got["b"] != 2 {
		t.Errorf("Merge() = %v", got)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// FillFile / FillTree
// ────────────────────────────────────────────────────────────────────────────

func TestFillFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pod.json")
	if err := os.WriteFile(path, []byte(`{"name": "{{app.name}}"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := FillFile(path, Params{"app.name": "acme-demo"}); err != nil {
		t.Fatalf("FillFile() error: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != `{"name": "acme-demo"}` {
		t.Errorf("filled file = %s", raw)
	}
}

func TestFillFileMissing(t *testing.T) {
	if err := FillFile(filepath.Join(t.TempDir(), "nope.json"), Params{}); err == nil {
		t.Fatal("FillFile() on missing file should fail")
	}
}

func TestFillTree(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dir, "a.json"): "{{k}}",
		filepath.Join(sub, "b.json"): "x {{k}} y",
	}
	for p, c := range files {
		if err := os.WriteFile(p, []byte(c), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := FillTree(dir, Params{"k": "v"}); err != nil {
		t.Fatalf("FillTree() error: %v", err)
	}
	for p, want := range map[string]string{
		filepath.Join(dir, "a.json"): "v",
		filepath.Join(sub, "b.json"): "x v y",
	} {
		raw, _ := os.ReadFile(p)
		if string(raw) != want {
			t.Errorf("%s = %q, want %q", p, raw, want)
		}
	}
}

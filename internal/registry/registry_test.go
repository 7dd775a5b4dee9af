package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestRegistry(t *testing.T) *FileRegistry {
	t.Helper()
	r, err := NewFileRegistry(filepath.Join(t.TempDir(), "apps"))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// ────────────────────────────────────────────────────────────────────────────
// Build state transitions
// ────────────────────────────────────────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to BuildState
		want     bool
	}{
		{StateNone, StateBuilding, true},
		{StateBuilding, StateCompleted, true},
		{StateBuilding, StateFailed, true},
		{StateCompleted, StateBuilding, true},
		{StateFailed, StateBuilding, true},
		{StateNone, StateCompleted, false},
		{StateNone, StateFailed, false},
		{StateBuilding, StateBuilding, false},
		{StateCompleted, StateFailed, false},
		{StateCompleted, StateNone, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Create / Find
// ────────────────────────────────────────────────────────────────────────────

func TestCreateAndFind(t *testing.T) {
	r := newTestRegistry(t)
	spec := AppSpec{Name: "acme-demo", RepoURL: "https://github.com/acme/demo"}

	rec, err := r.Create(spec)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if rec.BuildState != StateNone {
		t.Errorf("new record state = %s, want none", rec.BuildState)
	}
	if rec.Dir == "" {
		t.Error("record has no working directory")
	}
	if _, err := os.Stat(filepath.Join(rec.Dir, "build")); err != nil {
		t.Errorf("build directory not created: %v", err)
	}

	got, err := r.Find("acme-demo")
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if got.Spec.RepoURL != spec.RepoURL {
		t.Errorf("Find().Spec.RepoURL = %q", got.Spec.RepoURL)
	}
}

func TestCreateIdempotentOverwritesSpec(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create(AppSpec{Name: "acme-demo", RepoURL: "https://a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateBuildState("acme-demo", StateBuilding); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateBuildState("acme-demo", StateCompleted); err != nil {
		t.Fatal(err)
	}

	// Re-create with an updated spec: spec replaced, state preserved.
	rec, err := r.Create(AppSpec{Name: "acme-demo", RepoURL: "https://b"})
	if err != nil {
		t.Fatalf("second Create() error: %v", err)
	}
	if rec.Spec.RepoURL != "https://b" {
		t.Errorf("spec not overwritten: %q", rec.Spec.RepoURL)
	}
	if rec.BuildState != StateCompleted {
		t.Errorf("state clobbered by Create: %s", rec.BuildState)
	}
}

func TestCreateRejectsBadSpecs(t *testing.T) {
	r := newTestRegistry(t)
	tests := []AppSpec{
		{Name: ""},
		{Name: "Acme-Demo"},
		{Name: "acme-demo", Dependencies: []string{"setup.py"}},
	}
	for _, spec := range tests {
		if _, err := r.Create(spec); err == nil {
			t.Errorf("Create(%+v) should fail", spec)
		}
	}
}

func TestFindMissing(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Find("nobody-nothing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Find() error = %v, want ErrNotFound", err)
	}
	if _, err := r.GetBuildState("nobody-nothing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBuildState() error = %v, want ErrNotFound", err)
	}
}

func TestFindAll(t *testing.T) {
	r := newTestRegistry(t)
	for _, name := range []string{"zeta-app", "acme-demo", "mid-app"} {
		if _, err := r.Create(AppSpec{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := r.FindAll()
	if err != nil {
		t.Fatalf("FindAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("FindAll() returned %d records, want 3", len(recs))
	}
	for i, want := range []string{"acme-demo", "mid-app", "zeta-app"} {
		if recs[i].Name != want {
			t.Errorf("recs[%d].Name = %q, want %q", i, recs[i].Name, want)
		}
	}
}

// ────────────────────────────────────────────────────────────────────────────
// State updates
// ────────────────────────────────────────────────────────────────────────────

func TestUpdateBuildStateStampsTimeOnBuilding(t *testing.T) {
	r := newTestRegistry(t)
	fixed := time.Date(2026, 8, 26, 10, 30, 0, 250e6, time.UTC)
	r.now = func() time.Time { return fixed }

	if _, err := r.Create(AppSpec{Name: "acme-demo"}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateBuildState("acme-demo", StateBuilding); err != nil {
		t.Fatal(err)
	}
	ts, err := r.LastBuildTime("acme-demo")
	if err != nil {
		t.Fatal(err)
	}
	if ts != "2026-08-26 10:30:00,250" {
		t.Errorf("LastBuildTime = %q", ts)
	}
	if _, err := time.Parse(TimeFormat, ts); err != nil {
		t.Errorf("stamp does not round-trip: %v", err)
	}
}

func TestUpdateBuildStateRejectsDoubleBuild(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create(AppSpec{Name: "acme-demo"}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateBuildState("acme-demo", StateBuilding); err != nil {
		t.Fatal(err)
	}
	err := r.UpdateBuildState("acme-demo", StateBuilding)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second building transition error = %v, want ErrInvalidTransition", err)
	}
	// Still in BUILDING.
	st, _ := r.GetBuildState("acme-demo")
	if st != StateBuilding {
		t.Errorf("state = %s after rejected transition", st)
	}
}

func TestFullBuildCycle(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create(AppSpec{Name: "acme-demo"}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []BuildState{StateBuilding, StateFailed, StateBuilding, StateCompleted} {
		if err := r.UpdateBuildState("acme-demo", s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
		got, err := r.GetBuildState("acme-demo")
		if err != nil {
			t.Fatal(err)
		}
		if got != s {
			t.Errorf("GetBuildState() = %s, want %s", got, s)
		}
	}
}

func TestSetDeploymentID(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create(AppSpec{Name: "acme-demo"}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetDeploymentID("acme-demo", "a1b2c3d4"); err != nil {
		t.Fatal(err)
	}
	rec, err := r.Find("acme-demo")
	if err != nil {
		t.Fatal(err)
	}
	if rec.DeploymentID != "a1b2c3d4" {
		t.Errorf("DeploymentID = %q", rec.DeploymentID)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Concurrency: last completed transition wins per name
// ────────────────────────────────────────────────────────────────────────────

func TestConcurrentTransitionsStayConsistent(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create(AppSpec{Name: "acme-demo"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Only legal cycles; illegal ones are rejected without corruption.
			_ = r.UpdateBuildState("acme-demo", StateBuilding)
			_ = r.UpdateBuildState("acme-demo", StateCompleted)
		}()
	}
	wg.Wait()

	st, err := r.GetBuildState("acme-demo")
	if err != nil {
		t.Fatalf("state unreadable after concurrent writes: %v", err)
	}
	if st != StateCompleted && st != StateBuilding {
		t.Errorf("state = %s, want a legal terminal of the interleaving", st)
	}
}

package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/kolnoter/internal/models"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type recorder struct {
	mu     sync.Mutex
	events []models.ExternalChangeEvent
}

func (r *recorder) add(ev models.ExternalChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []models.ExternalChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ExternalChangeEvent(nil), r.events...)
}

func (r *recorder) has(kind, path string) bool {
	for _, ev := range r.snapshot() {
		if ev.Kind() == kind && ev.Path == path {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, dir string) (*Watcher, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := New(Options{Debounce: 80 * time.Millisecond, Logger: logger})
	rec := &recorder{}
	w.Subscribe(rec.add)
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, rec
}

func vaultDirs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, d := range []string{"Work/Alpha", ".kol-noter", "assets/n1"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want models.ItemType
		ok   bool
	}{
		{"Work/system.meta", models.ItemSystem, true},
		{"Work/Alpha/project.meta", models.ItemProject, true},
		{"Work/Alpha/Plan.md", models.ItemNote, true},
		{"Work/Alpha/_draft.md", "", false},
		{"Work/Alpha/.hidden.md", "", false},
		{"Work/Alpha/Plan.blocks.json", "", false},
		{".kol-noter/config.json", "", false},
		{"assets/n1/pic.png", "", false},
		{"Work/.git/HEAD.md", "", false},
	}
	for _, tt := range tests {
		got, ok := Classify(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Classify(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWatcher_CoalescesWritesIntoOneCreate(t *testing.T) {
	dir := vaultDirs(t)
	_, rec := startWatcher(t, dir)

	p := filepath.Join(dir, "Work", "Alpha", "Plan.md")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(p, []byte("draft "+string(rune('a'+i))), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("note-created", "Work/Alpha/Plan.md")
	}, "expected note-created")

	time.Sleep(200 * time.Millisecond)
	if n := len(rec.snapshot()); n != 1 {
		t.Errorf("expected exactly 1 event, got %d: %+v", n, rec.snapshot())
	}
}

func TestWatcher_UpdateAndDelete(t *testing.T) {
	dir := vaultDirs(t)
	p := filepath.Join(dir, "Work", "Alpha", "Plan.md")
	if err := os.WriteFile(p, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, rec := startWatcher(t, dir)

	if err := os.WriteFile(p, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("note-updated", "Work/Alpha/Plan.md")
	}, "expected note-updated")

	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("note-deleted", "Work/Alpha/Plan.md")
	}, "expected note-deleted")
}

func TestWatcher_RenameOverExistingIsUpdate(t *testing.T) {
	dir := vaultDirs(t)
	p := filepath.Join(dir, "Work", "Alpha", "Plan.md")
	if err := os.WriteFile(p, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, rec := startWatcher(t, dir)

	// Save the way editors do: write elsewhere, then rename over the file.
	tmp := filepath.Join(t.TempDir(), "Plan.md.tmp")
	if err := os.WriteFile(tmp, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, p); err != nil {
		t.Fatal(err)
	}
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("note-updated", "Work/Alpha/Plan.md")
	}, "expected note-updated")
	if rec.has("note-created", "Work/Alpha/Plan.md") {
		t.Error("replacing a known file must not be reported as created")
	}
}

func TestWatcher_IgnoresBookkeeping(t *testing.T) {
	dir := vaultDirs(t)
	_, rec := startWatcher(t, dir)

	_ = os.WriteFile(filepath.Join(dir, ".kol-noter", "id-map.json"), []byte("{}"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "assets", "n1", "pic.md"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "Work", "Alpha", "_internal.md"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "Work", "system.meta"), []byte("name: Work\n"), 0o644)

	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("system-created", "Work/system.meta")
	}, "expected system-created")
	time.Sleep(200 * time.Millisecond)
	for _, ev := range rec.snapshot() {
		if ev.Path != "Work/system.meta" {
			t.Errorf("unexpected event %s %s", ev.Kind(), ev.Path)
		}
	}
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	dir := vaultDirs(t)
	_, rec := startWatcher(t, dir)

	sub := filepath.Join(dir, "Home", "Garden")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "Seeds.md"), []byte("# Seeds"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("note-created", "Home/Garden/Seeds.md")
	}, "file in new directory not reported")
}

func TestWatcher_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	dir := vaultDirs(t)
	w, rec := startWatcher(t, dir)
	w.Subscribe(func(models.ExternalChangeEvent) { panic("boom") })
	second := &recorder{}
	unsub := w.Subscribe(second.add)

	_ = os.WriteFile(filepath.Join(dir, "Work", "Alpha", "A.md"), []byte("a"), 0o644)
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("note-created", "Work/Alpha/A.md") && second.has("note-created", "Work/Alpha/A.md")
	}, "subscribers after a panicking one should still run")

	unsub()
	_ = os.WriteFile(filepath.Join(dir, "Work", "Alpha", "B.md"), []byte("b"), 0o644)
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("note-created", "Work/Alpha/B.md")
	}, "expected B event")
	if second.has("note-created", "Work/Alpha/B.md") {
		t.Error("unsubscribed callback received an event")
	}
}

func TestWatcher_StopDropsPending(t *testing.T) {
	dir := vaultDirs(t)
	w, rec := startWatcher(t, dir)

	_ = os.WriteFile(filepath.Join(dir, "Work", "Alpha", "A.md"), []byte("a"), 0o644)
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	time.Sleep(200 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("expected no events after Stop, got %d", n)
	}
	if w.Root() != "" {
		t.Errorf("Root after Stop: %q", w.Root())
	}

	if err := w.Start(dir); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = os.WriteFile(filepath.Join(dir, "Work", "Alpha", "A.md"), []byte("again"), 0o644)
	eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return rec.has("note-updated", "Work/Alpha/A.md")
	}, "subscriber should survive restart")
}

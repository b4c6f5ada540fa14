package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/starford/kolnoter/internal/datauri"
	"github.com/starford/kolnoter/internal/models"
)

func TestMemoryAttachmentIsDataURI(t *testing.T) {
	m := NewMemory()
	ref, err := m.SaveAttachment(context.Background(), "n1", "a.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}
	if !strings.HasPrefix(ref, "data:image/png;base64,") {
		t.Errorf("unexpected ref %q", ref)
	}
	data, _, err := datauri.Decode(ref)
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("decode: %q %v", data, err)
	}
}

func TestMemoryMovesProjectBetweenSystems(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seed(t, m)
	other := &models.System{ID: "sys-2", Name: "Home", CreatedAt: 3000}
	if err := m.SaveSystem(ctx, other); err != nil {
		t.Fatal(err)
	}
	p := sampleSystem().Projects[0]
	if err := m.SaveProject(ctx, "sys-2", &p); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	snap, err := m.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.FindSystem("sys-1").Projects) != 0 {
		t.Error("project should leave its old system")
	}
	moved := snap.FindSystem("sys-2").FindProject("proj-1")
	if moved == nil || moved.SystemID != "sys-2" {
		t.Errorf("moved project: %+v", moved)
	}
}

func TestMemorySaveSystemKeepsUnlistedProjects(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seed(t, m)
	sys := sampleSystem()
	sys.Name = "Renamed"
	sys.Projects = nil
	if err := m.SaveSystem(ctx, sys); err != nil {
		t.Fatal(err)
	}
	snap, err := m.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Systems[0]; got.Name != "Renamed" || len(got.Projects) != 1 {
		t.Errorf("unexpected system: %+v", got)
	}
}

func TestMemoryNeverFiresExternalChanges(t *testing.T) {
	m := NewMemory()
	fired := false
	unsub := m.OnExternalChange(func(models.ExternalChangeEvent) { fired = true })
	seed(t, m, sampleNote("n1", "x", 1))
	unsub()
	if fired {
		t.Error("embedded store must not report external changes")
	}
}

package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/models"
)

var equateEmpty = cmpopts.EquateEmpty()

func sampleSystem() *models.System {
	return &models.System{
		ID:        "sys-1",
		Name:      "Work",
		Tags:      []string{"job"},
		Color:     "#ff0000",
		CreatedAt: 1000,
		UpdatedAt: 1000,
		Projects: []models.Project{{
			ID:        "proj-1",
			SystemID:  "sys-1",
			Name:      "Alpha",
			Tags:      []string{},
			CreatedAt: 1100,
			UpdatedAt: 1100,
		}},
	}
}

func sampleNote(id, title string, createdAt int64) *models.Note {
	n := &models.Note{
		ID:         id,
		SystemID:   "sys-1",
		ProjectID:  "proj-1",
		Title:      title,
		EditorType: models.EditorMarkdown,
		Tags:       []string{"draft"},
		Metrics:    models.Metrics{"words": 3},
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt + 10,
	}
	n.SetMarkdownContent("Some body text\n\nwith two paragraphs\n")
	return n
}

type adapterFactory func(t *testing.T) Adapter

func backends() map[string]adapterFactory {
	return map[string]adapterFactory{
		"embedded":   func(t *testing.T) Adapter { return NewMemory() },
		"filesystem": func(t *testing.T) Adapter { return tempVault(t) },
	}
}

func seed(t *testing.T, a Adapter, notes ...*models.Note) {
	t.Helper()
	ctx := context.Background()
	if err := a.SaveSystem(ctx, sampleSystem()); err != nil {
		t.Fatalf("SaveSystem: %v", err)
	}
	for _, n := range notes {
		if err := a.SaveNote(ctx, n); err != nil {
			t.Fatalf("SaveNote %s: %v", n.ID, err)
		}
	}
}

func TestAdapterRoundTrip(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a := factory(t)
			ctx := context.Background()
			n1 := sampleNote("n1", "First", 2000)
			n2 := sampleNote("n2", "Second", 1500)
			seed(t, a, n1, n2)

			snap, err := a.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			want := &models.Snapshot{
				Systems: []models.System{*sampleSystem()},
				Notes:   []models.Note{*n2, *n1},
			}
			if diff := cmp.Diff(want, snap, equateEmpty); diff != "" {
				t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdapterSaveIsIdempotent(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a := factory(t)
			ctx := context.Background()
			n := sampleNote("n1", "First", 2000)
			seed(t, a, n)
			first, err := a.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			seed(t, a, n)
			second, err := a.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if diff := cmp.Diff(first, second, equateEmpty); diff != "" {
				t.Errorf("repeated save changed state (-first +second):\n%s", diff)
			}
		})
	}
}

func TestAdapterDeleteUnknown(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a := factory(t)
			ctx := context.Background()
			if err := a.DeleteNote(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("DeleteNote: got %v, want ErrNotFound", err)
			}
			if err := a.DeleteSystem(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("DeleteSystem: got %v, want ErrNotFound", err)
			}
			if err := a.DeleteProject(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("DeleteProject: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAdapterDeleteProjectRemovesNotes(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a := factory(t)
			ctx := context.Background()
			seed(t, a, sampleNote("n1", "First", 2000))
			if err := a.DeleteProject(ctx, "proj-1"); err != nil {
				t.Fatalf("DeleteProject: %v", err)
			}
			snap, err := a.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if len(snap.Notes) != 0 {
				t.Errorf("expected notes removed, got %d", len(snap.Notes))
			}
			if len(snap.Systems) != 1 || len(snap.Systems[0].Projects) != 0 {
				t.Errorf("unexpected systems: %+v", snap.Systems)
			}
		})
	}
}

func TestAdapterTrashAndRestore(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a := factory(t)
			ctx := context.Background()
			n := sampleNote("n1", "First", 2000)
			seed(t, a, n)

			entry, err := a.TrashNote(ctx, "n1", 5000)
			if err != nil {
				t.Fatalf("TrashNote: %v", err)
			}
			if entry.ID != "n1" || entry.DeletedAt != 5000 {
				t.Errorf("unexpected entry: %+v", entry)
			}
			snap, err := a.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if len(snap.Notes) != 0 || len(snap.Trash) != 1 {
				t.Fatalf("after trash: notes=%d trash=%d", len(snap.Notes), len(snap.Trash))
			}

			restored, err := a.RestoreNote(ctx, "n1")
			if err != nil {
				t.Fatalf("RestoreNote: %v", err)
			}
			if diff := cmp.Diff(n, restored, equateEmpty); diff != "" {
				t.Errorf("restored note mismatch (-want +got):\n%s", diff)
			}
			snap, err = a.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if len(snap.Notes) != 1 || len(snap.Trash) != 0 {
				t.Errorf("after restore: notes=%d trash=%d", len(snap.Notes), len(snap.Trash))
			}
			if err := a.PurgeTrash(ctx, "n1"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("PurgeTrash of restored entry: got %v", err)
			}
		})
	}
}

func TestAdapterAttachments(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a := factory(t)
			ctx := context.Background()
			data := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
			ref, err := a.SaveAttachment(ctx, "n1", "pic.png", data)
			if err != nil {
				t.Fatalf("SaveAttachment: %v", err)
			}
			if ref == "" {
				t.Fatal("empty reference")
			}
			got, err := a.GetAttachment(ctx, "n1", "pic.png")
			if err != nil {
				t.Fatalf("GetAttachment: %v", err)
			}
			if string(got) != string(data) {
				t.Errorf("attachment bytes mismatch")
			}
			if _, err := a.SaveAttachment(ctx, "n1", "../escape.png", data); err == nil {
				t.Error("expected error for traversal filename")
			}
			if err := a.DeleteAttachment(ctx, "n1", "pic.png"); err != nil {
				t.Fatalf("DeleteAttachment: %v", err)
			}
			if _, err := a.GetAttachment(ctx, "n1", "pic.png"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("GetAttachment after delete: got %v", err)
			}
		})
	}
}

func TestAdapterClear(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a := factory(t)
			ctx := context.Background()
			seed(t, a, sampleNote("n1", "First", 2000))
			if err := a.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			snap, err := a.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if len(snap.Systems) != 0 || len(snap.Notes) != 0 {
				t.Errorf("expected empty snapshot, got %d systems %d notes", len(snap.Systems), len(snap.Notes))
			}
		})
	}
}

func TestAdapterClosed(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			a := factory(t)
			if err := a.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if _, err := a.LoadAll(context.Background()); !errors.Is(err, apperr.ErrClosed) {
				t.Errorf("LoadAll after Close: got %v", err)
			}
		})
	}
}

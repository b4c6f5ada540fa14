package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/datauri"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/storage"
	"github.com/starford/kolnoter/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedSource fills an embedded store with one system, two projects and
// count notes spread across them.
func seedSource(t *testing.T, count int) *storage.Memory {
	t.Helper()
	ctx := context.Background()
	m := storage.NewMemory()
	testutil.SeedSystem(t, m, "Alpha", "Beta")
	for i := 1; i <= count; i++ {
		n := &models.Note{
			ID:         fmt.Sprintf("n%d", i),
			SystemID:   "s1",
			ProjectID:  []string{"p1", "p2"}[i%2],
			Title:      fmt.Sprintf("Note %d", i),
			EditorType: models.EditorMarkdown,
			Tags:       []string{},
			CreatedAt:  int64(i),
			UpdatedAt:  int64(i),
		}
		n.SetMarkdownContent(fmt.Sprintf("body %d", i))
		require.NoError(t, m.SaveNote(ctx, n))
	}
	return m
}

// faultyAdapter fails SaveNote for the listed ids.
type faultyAdapter struct {
	storage.Adapter
	failNotes map[string]bool
}

func (f *faultyAdapter) SaveNote(ctx context.Context, n *models.Note) error {
	if f.failNotes[n.ID] {
		return &apperr.FileSystemError{Op: "write", Path: n.ID, Err: errors.New("disk full")}
	}
	return f.Adapter.SaveNote(ctx, n)
}

func TestExportCopiesEverything(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 4)
	dest := testutil.TestVault(t)

	var progress []Progress
	res, err := New(src, quietLogger()).Export(ctx, dest, Options{
		Progress: func(p Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.SystemsExported)
	assert.Equal(t, 2, res.ProjectsExported)
	assert.Equal(t, 4, res.NotesExported)
	assert.False(t, res.SourceCleared)

	snap, err := dest.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Notes, 4)
	assert.Equal(t, 2, snap.ProjectCount())
	assert.Equal(t, "body 3", snap.FindNote("n3").MarkdownContent())

	var phases []Phase
	for _, p := range progress {
		if p.Current == 0 {
			phases = append(phases, p.Phase)
		}
	}
	assert.Equal(t, []Phase{PhasePreparing, PhaseSystems, PhaseProjects, PhaseNotes, PhaseComplete}, phases)

	last := progress[len(progress)-2]
	assert.Equal(t, Progress{Phase: PhaseNotes, Current: 4, Total: 4, CurrentItem: "Note 4"}, last)
}

func TestExportFoldsItemErrors(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 10)
	dest := &faultyAdapter{Adapter: testutil.TestVault(t), failNotes: map[string]bool{"n5": true}}

	res, err := New(src, quietLogger()).Export(ctx, dest, Options{ClearSource: true})
	require.NoError(t, err, "item failures are reported in the result, not returned")

	assert.False(t, res.Success)
	assert.Equal(t, 9, res.NotesExported)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "n5")
	assert.Contains(t, res.Errors[0], "disk full")
	assert.False(t, res.SourceCleared)

	var merr *apperr.MigrationError
	require.ErrorAs(t, res.Err(), &merr)
	assert.True(t, apperr.IsRecoverable(res.Err()))

	snap, err := src.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Notes, 10, "source must survive a failed export")
}

func TestExportIsRerunnable(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 10)
	vault := testutil.TestVault(t)
	exp := New(src, quietLogger())

	first, err := exp.Export(ctx, &faultyAdapter{Adapter: vault, failNotes: map[string]bool{"n5": true}}, Options{})
	require.NoError(t, err)
	require.False(t, first.Success)

	second, err := exp.Export(ctx, vault, Options{ClearSource: true})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 10, second.NotesExported)
	assert.True(t, second.SourceCleared)

	snap, err := vault.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Notes, 10, "rerun must not duplicate notes")

	cleared, err := src.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, cleared.Notes)
	assert.Empty(t, cleared.Systems)
}

func TestExportMovesInlineAttachments(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 1)
	n := &models.Note{ID: "img", SystemID: "s1", ProjectID: "p1", Title: "Photo", EditorType: models.EditorMarkdown, Tags: []string{}}
	n.Attachments = map[string]string{"dot.png": datauri.Encode([]byte("\x89PNG\r\n\x1a\npixels"), "image/png")}
	require.NoError(t, src.SaveNote(ctx, n))

	dest := testutil.TestVault(t)
	res, err := New(src, quietLogger()).Export(ctx, dest, Options{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.AttachmentsExported)

	data, err := dest.GetAttachment(ctx, "img", "dot.png")
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG\r\n\x1a\npixels", string(data))

	snap, err := dest.LoadAll(ctx)
	require.NoError(t, err)
	ref := snap.FindNote("img").Attachments["dot.png"]
	assert.False(t, datauri.Is(ref), "vault note should reference the asset file, got %q", ref)
}

func TestExportIncludesTrash(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 3)
	_, err := src.TrashNote(ctx, "n2", 777)
	require.NoError(t, err)

	dest := testutil.TestVault(t)
	res, err := New(src, quietLogger()).Export(ctx, dest, Options{IncludeTrash: true})
	require.NoError(t, err)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 2, res.NotesExported)
	assert.Equal(t, 1, res.TrashExported)

	snap, err := dest.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Notes, 2)
	require.Len(t, snap.Trash, 1)
	assert.Equal(t, int64(777), snap.Trash[0].DeletedAt)
}

func TestExportStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := seedSource(t, 3)

	res, err := New(src, quietLogger()).Export(ctx, testutil.TestVault(t), Options{
		Progress: func(p Progress) {
			if p.Phase == PhaseProjects {
				cancel()
			}
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.NotesExported)
}

func TestExportToVault(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	res, err := New(seedSource(t, 2), quietLogger()).ExportToVault(ctx, dir, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	v, err := storage.OpenVault(dir, storage.VaultOptions{})
	require.NoError(t, err, "export must leave an initialised vault behind")
	defer v.Close()
	snap, err := v.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Notes, 2)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 2)

	v, err := New(src, quietLogger()).Validate(ctx)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, Counts{Systems: 1, Projects: 2, Notes: 2}, v.Counts)

	orphan := &models.Note{ID: "lost", SystemID: "s1", ProjectID: "gone", Title: "Lost", EditorType: models.EditorMarkdown}
	orphan.SetMarkdownContent("![x](x.png)")
	orphan.Attachments = map[string]string{"x.png": "data:image/png;base64,AAAA", "y.png": "assets/lost/y.png"}
	require.NoError(t, src.SaveNote(ctx, orphan))

	v, err = New(src, quietLogger()).Validate(ctx)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, 1, v.Counts.Attachments)
	require.Len(t, v.Errors, 1)
	assert.True(t, strings.Contains(v.Errors[0], "missing project gone"), v.Errors[0])
}

func TestClearSourceKeepsTrash(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 3)
	_, err := src.TrashNote(ctx, "n1", 555)
	require.NoError(t, err)

	dest := testutil.TestVault(t)
	res, err := New(src, quietLogger()).Export(ctx, dest, Options{ClearSource: true})
	require.NoError(t, err)
	require.True(t, res.Success, res.Errors)
	assert.True(t, res.SourceCleared)
	assert.Equal(t, 1, res.TrashExported)

	snap, err := dest.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Trash, 1, "trash must reach the destination before the source is cleared")
	assert.Equal(t, int64(555), snap.Trash[0].DeletedAt)
}

func TestExportKeepsNoteWithBrokenAttachment(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 1)
	n := snapshotNote(t, src, "n1")
	n.Attachments = map[string]string{
		"broken.png": "data:image/png;base64,@@@",
		"dot.png":    datauri.Encode([]byte("\x89PNG\r\n\x1a\npixels"), "image/png"),
	}
	require.NoError(t, src.SaveNote(ctx, n))

	dest := testutil.TestVault(t)
	res, err := New(src, quietLogger()).Export(ctx, dest, Options{ClearSource: true})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.SourceCleared)
	assert.Equal(t, 1, res.NotesExported)
	assert.Equal(t, 1, res.AttachmentsExported)
	require.Len(t, res.Errors, 1, "a bad attachment is reported once")
	assert.Contains(t, res.Errors[0], "broken.png")

	snap, err := dest.LoadAll(ctx)
	require.NoError(t, err)
	got := snap.FindNote("n1")
	require.NotNil(t, got)
	assert.Equal(t, "body 1", got.MarkdownContent())
	assert.NotContains(t, got.Attachments, "broken.png")
	assert.Contains(t, got.Attachments, "dot.png")
}

func TestExportMovesSystemAndProjectAttachments(t *testing.T) {
	ctx := context.Background()
	src := seedSource(t, 0)
	png := datauri.Encode([]byte("\x89PNG\r\n\x1a\npixels"), "image/png")

	snap, err := src.LoadAll(ctx)
	require.NoError(t, err)
	sys := snap.Systems[0]
	sys.Attachments = map[string]string{"logo.png": png}
	sys.Projects[0].Attachments = map[string]string{"plan.png": png}
	require.NoError(t, src.SaveSystem(ctx, &sys))

	exp := New(src, quietLogger())
	v, err := exp.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Counts.Attachments)

	dest := testutil.TestVault(t)
	res, err := exp.Export(ctx, dest, Options{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, v.Counts.Attachments, res.AttachmentsExported)

	out, err := dest.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, out.Systems, 1)
	assert.False(t, datauri.Is(out.Systems[0].Attachments["logo.png"]), out.Systems[0].Attachments["logo.png"])
	proj := out.Systems[0].FindProject(sys.Projects[0].ID)
	require.NotNil(t, proj)
	assert.False(t, datauri.Is(proj.Attachments["plan.png"]), proj.Attachments["plan.png"])

	data, err := dest.GetAttachment(ctx, sys.ID, "logo.png")
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG\r\n\x1a\npixels", string(data))
}

func snapshotNote(t *testing.T, src storage.Adapter, id string) *models.Note {
	t.Helper()
	snap, err := src.LoadAll(context.Background())
	require.NoError(t, err)
	n := snap.FindNote(id)
	require.NotNil(t, n)
	return n.Clone()
}

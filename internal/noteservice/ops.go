package noteservice

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/kolnoter/internal/attachment"
	"github.com/starford/kolnoter/internal/checksum"
	"github.com/starford/kolnoter/internal/index"
	"github.com/starford/kolnoter/internal/migration"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/search"
)

// LoadAll returns the adapter snapshot.
func (s *Service) LoadAll(ctx context.Context) (*models.Snapshot, error) {
	return withWorkspace(s, func(ws *workspace) (*models.Snapshot, error) {
		return ws.store.LoadAll(ctx)
	})
}

// GetNote reads one note from the relational index.
func (s *Service) GetNote(ctx context.Context, id string) (*models.Note, error) {
	return withWorkspace(s, func(ws *workspace) (*models.Note, error) {
		return ws.db.GetNote(ctx, id)
	})
}

// ListNotes queries the relational index and returns the page plus the
// unpaginated total.
func (s *Service) ListNotes(ctx context.Context, f index.Filter) ([]models.Note, int, error) {
	type page struct {
		notes []models.Note
		total int
	}
	p, err := withWorkspace(s, func(ws *workspace) (page, error) {
		notes, total, err := ws.db.ListNotes(ctx, f)
		return page{notes, total}, err
	})
	return p.notes, p.total, err
}

// NotePath returns the vault-relative file of a note. The embedded backend
// has no files.
func (s *Service) NotePath(id string) (string, bool) {
	p, _ := withWorkspace(s, func(ws *workspace) (string, error) {
		return s.notePath(ws, id), nil
	})
	return p, p != ""
}

// Tags lists every tag with its usage count.
func (s *Service) Tags(ctx context.Context) ([]index.TagCount, error) {
	return withWorkspace(s, func(ws *workspace) ([]index.TagCount, error) {
		return ws.db.AllTags(ctx)
	})
}

// SaveSystem upserts a system together with the projects it lists.
func (s *Service) SaveSystem(ctx context.Context, sys *models.System) error {
	return s.do(func(ws *workspace) error {
		now := s.now().UnixMilli()
		stamp(&sys.ID, &sys.CreatedAt, &sys.UpdatedAt, s.lastUpdated(ctx, ws, models.ItemSystem, sys.ID), now)
		for i := range sys.Projects {
			p := &sys.Projects[i]
			stamp(&p.ID, &p.CreatedAt, &p.UpdatedAt, s.lastUpdated(ctx, ws, models.ItemProject, p.ID), now)
			p.SystemID = sys.ID
		}
		if err := ws.store.SaveSystem(ctx, sys); err != nil {
			return err
		}
		if err := ws.db.UpsertSystem(ctx, sys); err != nil {
			s.indexFailed("system", sys.ID, err)
		}
		ws.search.UpdateSystem(sys)
		for i := range sys.Projects {
			ws.search.UpdateProject(sys.ID, &sys.Projects[i])
		}
		s.touchSearch(ws)
		s.rememberMeta(ws, models.ItemSystem, sys.ID)
		for _, p := range sys.Projects {
			s.rememberMeta(ws, models.ItemProject, p.ID)
		}
		return nil
	})
}

// SaveProject upserts a project into an existing system.
func (s *Service) SaveProject(ctx context.Context, systemID string, p *models.Project) error {
	return s.do(func(ws *workspace) error {
		stamp(&p.ID, &p.CreatedAt, &p.UpdatedAt, s.lastUpdated(ctx, ws, models.ItemProject, p.ID), s.now().UnixMilli())
		p.SystemID = systemID
		if err := ws.store.SaveProject(ctx, systemID, p); err != nil {
			return err
		}
		if err := ws.db.UpsertProject(ctx, systemID, p); err != nil {
			s.indexFailed("project", p.ID, err)
		}
		ws.search.UpdateProject(systemID, p)
		s.touchSearch(ws)
		s.rememberMeta(ws, models.ItemProject, p.ID)
		return nil
	})
}

// SaveNote upserts a note. Saving supersedes any dirty copy or pending
// conflict of the same note.
func (s *Service) SaveNote(ctx context.Context, n *models.Note) error {
	return s.do(func(ws *workspace) error {
		stamp(&n.ID, &n.CreatedAt, &n.UpdatedAt, s.lastUpdated(ctx, ws, models.ItemNote, n.ID), s.now().UnixMilli())
		if n.Tags == nil {
			n.Tags = []string{}
		}
		return s.saveNote(ctx, ws, n)
	})
}

func (s *Service) saveNote(ctx context.Context, ws *workspace, n *models.Note) error {
	if err := ws.store.SaveNote(ctx, n); err != nil {
		return err
	}
	s.mirrorNote(ctx, ws, n)
	s.rememberNote(ws, n.ID)
	ws.stateMu.Lock()
	delete(ws.dirty, n.ID)
	delete(ws.conflicts, n.ID)
	ws.stateMu.Unlock()
	return nil
}

// mirrorNote applies one index upsert and one search update for n.
func (s *Service) mirrorNote(ctx context.Context, ws *workspace, n *models.Note) {
	if err := ws.db.UpsertNote(ctx, n); err != nil {
		s.indexFailed("note", n.ID, err)
	}
	ws.search.UpdateNote(n)
	s.touchSearch(ws)
}

// DeleteSystem removes a system with its projects and notes.
func (s *Service) DeleteSystem(ctx context.Context, id string) error {
	return s.do(func(ws *workspace) error {
		dir := s.metaDir(ws, models.ItemSystem, id)
		if err := ws.store.DeleteSystem(ctx, id); err != nil {
			return err
		}
		if err := ws.db.DeleteSystem(ctx, id); err != nil {
			s.indexFailed("system", id, err)
		}
		ws.search.Remove(id)
		ws.search.RemoveWhere(func(d search.Document) bool { return d.SystemID == id })
		s.touchSearch(ws)
		s.forgetDir(ws, dir)
		return nil
	})
}

// DeleteProject removes a project with its notes.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	return s.do(func(ws *workspace) error {
		dir := s.metaDir(ws, models.ItemProject, id)
		if err := ws.store.DeleteProject(ctx, id); err != nil {
			return err
		}
		if err := ws.db.DeleteProject(ctx, id); err != nil {
			s.indexFailed("project", id, err)
		}
		ws.search.Remove(id)
		ws.search.RemoveWhere(func(d search.Document) bool { return d.ProjectID == id })
		s.touchSearch(ws)
		s.forgetDir(ws, dir)
		return nil
	})
}

// DeleteNote moves a note to the trash.
func (s *Service) DeleteNote(ctx context.Context, id string) (*models.TrashEntry, error) {
	return withWorkspace(s, func(ws *workspace) (*models.TrashEntry, error) {
		notePath := s.notePath(ws, id)
		entry, err := ws.store.TrashNote(ctx, id, s.now().UnixMilli())
		if err != nil {
			return nil, err
		}
		if err := ws.db.MoveToTrash(ctx, entry); err != nil {
			s.indexFailed("note", id, err)
		}
		ws.search.Remove(id)
		s.touchSearch(ws)
		ws.stateMu.Lock()
		delete(ws.sums, notePath)
		delete(ws.dirty, id)
		delete(ws.conflicts, id)
		ws.stateMu.Unlock()
		return entry, nil
	})
}

// RestoreNote moves a trashed note back into its project.
func (s *Service) RestoreNote(ctx context.Context, trashID string) (*models.Note, error) {
	return withWorkspace(s, func(ws *workspace) (*models.Note, error) {
		n, err := ws.store.RestoreNote(ctx, trashID)
		if err != nil {
			return nil, err
		}
		if err := ws.db.RestoreFromTrash(ctx, trashID, n); err != nil {
			s.indexFailed("note", n.ID, err)
		}
		ws.search.UpdateNote(n)
		s.touchSearch(ws)
		s.rememberNote(ws, n.ID)
		return n, nil
	})
}

// PurgeTrash permanently drops a trash entry.
func (s *Service) PurgeTrash(ctx context.Context, trashID string) error {
	return s.do(func(ws *workspace) error {
		if err := ws.store.PurgeTrash(ctx, trashID); err != nil {
			return err
		}
		if err := ws.db.DeleteTrash(ctx, trashID); err != nil {
			s.indexFailed("trash", trashID, err)
		}
		return nil
	})
}

// SaveAttachment stores data under ownerID. A blank filename gets a
// generated one. Failures are reported in the Result.
func (s *Service) SaveAttachment(ctx context.Context, ownerID, filename string, data []byte) (attachment.Result, error) {
	return withWorkspace(s, func(ws *workspace) (attachment.Result, error) {
		return ws.files.Save(ctx, ownerID, attachment.Bytes(data), filename), nil
	})
}

// GetAttachment returns a stored attachment.
func (s *Service) GetAttachment(ctx context.Context, ownerID, filename string) ([]byte, error) {
	return withWorkspace(s, func(ws *workspace) ([]byte, error) {
		return ws.store.GetAttachment(ctx, ownerID, filename)
	})
}

// DeleteAttachment removes a stored attachment.
func (s *Service) DeleteAttachment(ctx context.Context, ownerID, filename string) error {
	return s.do(func(ws *workspace) error {
		return ws.store.DeleteAttachment(ctx, ownerID, filename)
	})
}

// ResolveContent maps every attachment reference in content to a URL the
// caller can render.
func (s *Service) ResolveContent(ctx context.Context, n *models.Note) (map[string]string, error) {
	return withWorkspace(s, func(ws *workspace) (map[string]string, error) {
		return ws.files.ResolveContent(ctx, n.ID, n.MarkdownContent(), n.Attachments), nil
	})
}

// Search ranks documents for query. A failing index yields no hits rather
// than an error.
func (s *Service) Search(query string, opts search.Options) []search.Hit {
	hits, err := withWorkspace(s, func(ws *workspace) (hits []search.Hit, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("noteservice: search panicked", slog.String("query", query), slog.Any("panic", r))
				hits = nil
			}
		}()
		return ws.search.Search(query, opts), nil
	})
	if err != nil || hits == nil {
		return []search.Hit{}
	}
	return hits
}

// Suggest completes the last word of query.
func (s *Service) Suggest(query string, limit int) []search.Suggestion {
	out, err := withWorkspace(s, func(ws *workspace) (out []search.Suggestion, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("noteservice: suggest panicked", slog.String("query", query), slog.Any("panic", r))
				out = nil
			}
		}()
		return ws.search.Suggest(query, limit), nil
	})
	if err != nil || out == nil {
		return []search.Suggestion{}
	}
	return out
}

// RebuildIndex reloads the adapter and rebuilds both indexes from it.
func (s *Service) RebuildIndex(ctx context.Context) (index.Counts, error) {
	return withWorkspace(s, func(ws *workspace) (index.Counts, error) {
		return s.rebuild(ctx, ws)
	})
}

func (s *Service) rebuild(ctx context.Context, ws *workspace) (index.Counts, error) {
	snap, err := ws.store.LoadAll(ctx)
	if err != nil {
		return index.Counts{}, fmt.Errorf("noteservice: rebuild: %w", err)
	}
	counts, err := index.FullReindex(ctx, ws.db, snapshotSource{snap}, s.logger)
	if err != nil {
		return index.Counts{}, err
	}
	ws.search.Build(snap.Notes, snap.Systems)
	s.touchSearch(ws)
	s.saveSearch(ws)
	return counts, nil
}

// ValidateSourceData checks the open adapter before an export.
func (s *Service) ValidateSourceData(ctx context.Context) (*migration.Validation, error) {
	return withWorkspace(s, func(ws *workspace) (*migration.Validation, error) {
		return migration.New(ws.store, s.logger).Validate(ctx)
	})
}

// ExportToVault copies the open workspace into a vault at dir. When the
// source is cleared the caches are rebuilt to match.
func (s *Service) ExportToVault(ctx context.Context, dir string, opts migration.Options) (*migration.Result, error) {
	return withWorkspace(s, func(ws *workspace) (*migration.Result, error) {
		if ws.vault != nil {
			target, err := filepath.Abs(dir)
			if err == nil && target == ws.vault.Root() {
				return nil, fmt.Errorf("noteservice: export: %s is the open vault", dir)
			}
		}
		res, err := migration.New(ws.store, s.logger).ExportToVault(ctx, dir, opts)
		if res != nil && res.SourceCleared {
			if _, rerr := s.rebuild(ctx, ws); rerr != nil {
				s.logger.Warn("noteservice: rebuild after export", slog.Any("error", rerr))
			}
		}
		return res, err
	})
}

// stamp fills a missing id and createdAt and moves updatedAt to now, or to
// prev when a stored version is already newer. updatedAt never goes
// backwards and never precedes createdAt.
func stamp(id *string, createdAt, updatedAt *int64, prev, now int64) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if *createdAt == 0 {
		*createdAt = now
	}
	*updatedAt = max(prev, now, *createdAt)
}

// lastUpdated reads the stored updatedAt of an entity from the index. An
// unreadable index counts as no previous version.
func (s *Service) lastUpdated(ctx context.Context, ws *workspace, item models.ItemType, id string) int64 {
	if id == "" {
		return 0
	}
	ts, err := ws.db.LastUpdated(ctx, item, id)
	if err != nil {
		s.indexFailed(string(item), id, err)
		return 0
	}
	return ts
}

func (s *Service) indexFailed(kind, id string, err error) {
	s.logger.Error("noteservice: index update failed",
		slog.String("kind", kind),
		slog.String("id", id),
		slog.Any("error", err))
}

func (s *Service) touchSearch(ws *workspace) {
	ws.stateMu.Lock()
	ws.searchDirty = true
	ws.stateMu.Unlock()
}

func (s *Service) notePath(ws *workspace, id string) string {
	if ws.vault == nil {
		return ""
	}
	p, _ := ws.vault.NotePath(id)
	return p
}

func (s *Service) metaDir(ws *workspace, item models.ItemType, id string) string {
	if ws.vault == nil {
		return ""
	}
	if p, ok := ws.vault.MetaPath(item, id); ok {
		return path.Dir(p)
	}
	return ""
}

// rememberNote records the checksum of the file just written for id so the
// watcher event it causes can be recognised.
func (s *Service) rememberNote(ws *workspace, id string) {
	if p := s.notePath(ws, id); p != "" {
		s.remember(ws, p)
	}
}

func (s *Service) rememberMeta(ws *workspace, item models.ItemType, id string) {
	if ws.vault == nil {
		return
	}
	if p, ok := ws.vault.MetaPath(item, id); ok {
		s.remember(ws, p)
	}
}

func (s *Service) remember(ws *workspace, rel string) {
	data, err := ws.vault.FS().Read(rel)
	if err != nil {
		return
	}
	ws.stateMu.Lock()
	ws.sums[rel] = checksum.Sum(data)
	ws.stateMu.Unlock()
}

func (s *Service) forgetDir(ws *workspace, dir string) {
	if dir == "" {
		return
	}
	ws.stateMu.Lock()
	defer ws.stateMu.Unlock()
	for p := range ws.sums {
		if strings.HasPrefix(p, dir+"/") {
			delete(ws.sums, p)
		}
	}
}

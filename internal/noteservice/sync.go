package noteservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/checksum"
	"github.com/starford/kolnoter/internal/conflict"
	"github.com/starford/kolnoter/internal/models"
)

// SubscribeToExternalChanges registers cb for external edits that reached
// the caches. Events caused by the service's own writes are not delivered.
func (s *Service) SubscribeToExternalChanges(cb func(models.ExternalChangeEvent)) (unsubscribe func()) {
	return s.changes.Add(cb)
}

// SubscribeToConflicts registers cb for newly detected conflicts.
func (s *Service) SubscribeToConflicts(cb func(*conflict.Data)) (unsubscribe func()) {
	return s.conflicts.Add(cb)
}

// MarkDirty records an unsaved in-memory copy of a note. An external edit
// of the same note while it is dirty becomes a conflict.
func (s *Service) MarkDirty(n *models.Note) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("noteservice: mark dirty: note without id")
	}
	return s.do(func(ws *workspace) error {
		ws.stateMu.Lock()
		ws.dirty[n.ID] = n.Clone()
		ws.stateMu.Unlock()
		return nil
	})
}

// ClearDirty forgets the dirty copy of a note.
func (s *Service) ClearDirty(id string) {
	_ = s.do(func(ws *workspace) error {
		ws.stateMu.Lock()
		delete(ws.dirty, id)
		ws.stateMu.Unlock()
		return nil
	})
}

// IsDirty reports whether a note has an unsaved local copy.
func (s *Service) IsDirty(id string) bool {
	ok, _ := withWorkspace(s, func(ws *workspace) (bool, error) {
		ws.stateMu.Lock()
		defer ws.stateMu.Unlock()
		_, ok := ws.dirty[id]
		return ok, nil
	})
	return ok
}

// PendingConflicts lists unresolved conflicts ordered by path.
func (s *Service) PendingConflicts() []*conflict.Data {
	out, _ := withWorkspace(s, func(ws *workspace) ([]*conflict.Data, error) {
		ws.stateMu.Lock()
		defer ws.stateMu.Unlock()
		out := make([]*conflict.Data, 0, len(ws.conflicts))
		for _, d := range ws.conflicts {
			out = append(out, d)
		}
		slices.SortFunc(out, func(a, b *conflict.Data) int { return strings.Compare(a.Path, b.Path) })
		return out, nil
	})
	if out == nil {
		return []*conflict.Data{}
	}
	return out
}

// ResolveConflict applies res to the pending conflict of noteID.
func (s *Service) ResolveConflict(ctx context.Context, noteID string, res conflict.Resolution) (*conflict.Outcome, error) {
	return withWorkspace(s, func(ws *workspace) (*conflict.Outcome, error) {
		ws.stateMu.Lock()
		d := ws.conflicts[noteID]
		ws.stateMu.Unlock()
		if d == nil {
			return nil, fmt.Errorf("noteservice: conflict %s: %w", noteID, apperr.ErrNotFound)
		}

		r := conflict.NewResolver(&workspaceWriter{s: s, ws: ws})
		r.Now = s.now
		out, err := r.Resolve(ctx, d, res)
		if err != nil {
			return nil, err
		}
		if res == conflict.KeepExternal {
			// The file already holds the external version.
			s.mirrorNote(ctx, ws, out.Kept)
		}
		ws.stateMu.Lock()
		delete(ws.conflicts, noteID)
		delete(ws.dirty, noteID)
		ws.stateMu.Unlock()
		s.logger.Info("noteservice: conflict resolved",
			slog.String("note", noteID),
			slog.String("resolution", string(res)))
		return out, nil
	})
}

// workspaceWriter lets the conflict resolver save through the mirrored
// write path.
type workspaceWriter struct {
	s  *Service
	ws *workspace
}

func (w *workspaceWriter) SaveNote(ctx context.Context, n *models.Note) error {
	return w.s.saveNote(ctx, w.ws, n)
}

func (w *workspaceWriter) NotePath(id string) (string, bool) {
	if w.ws.vault == nil {
		return "", false
	}
	return w.ws.vault.NotePath(id)
}

// handleExternal runs on the watcher's delivery goroutine.
func (s *Service) handleExternal(ws *workspace, ev models.ExternalChangeEvent) {
	ws.syncMu.Lock()
	if ws.closed {
		ws.syncMu.Unlock()
		return
	}
	forward, found := s.applyExternal(ws, ev)
	ws.syncMu.Unlock()

	if found != nil {
		s.conflicts.Emit(found)
	}
	if forward {
		s.changes.Emit(ev)
	}
}

// applyExternal updates the caches for ev. It reports whether ev should be
// forwarded to subscribers and any conflict it produced.
func (s *Service) applyExternal(ws *workspace, ev models.ExternalChangeEvent) (bool, *conflict.Data) {
	ctx := context.Background()
	log := s.logger.With(slog.String("path", ev.Path), slog.String("event", ev.Kind()))

	if ev.Type == models.ChangeDeleted {
		item, id, ok := ws.vault.EntityAt(ev.Path)
		if !ok {
			// Our own delete already unmapped it.
			return false, nil
		}
		ws.stateMu.Lock()
		delete(ws.sums, ev.Path)
		_, dirty := ws.dirty[id]
		ws.stateMu.Unlock()

		if item != models.ItemNote {
			s.refresh(ctx, ws)
			return true, nil
		}
		if dirty {
			log.Warn("noteservice: dirty note deleted externally, keeping local copy")
			return true, nil
		}
		if err := ws.store.DeleteNote(ctx, id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			log.Warn("noteservice: drop deleted note", slog.Any("error", err))
		}
		if err := ws.db.DeleteNote(ctx, id); err != nil {
			s.indexFailed("note", id, err)
		}
		ws.search.Remove(id)
		s.touchSearch(ws)
		return true, nil
	}

	// Another program may still hold or be rewriting the file.
	var data []byte
	gone := false
	err := apperr.Retry(ctx, func() error {
		var rerr error
		data, rerr = ws.vault.FS().Read(ev.Path)
		if errors.Is(rerr, apperr.ErrNotFound) {
			gone = true
			return nil
		}
		return rerr
	}, externalReadRetry)
	if err != nil || gone {
		// Gone again before the debounce fired.
		log.Debug("noteservice: changed file unreadable", slog.Any("error", err))
		return false, nil
	}
	sum := checksum.Sum(data)
	ws.stateMu.Lock()
	own := ws.sums[ev.Path] == sum
	ws.sums[ev.Path] = sum
	ws.stateMu.Unlock()
	if own {
		return false, nil
	}

	if ev.ItemType != models.ItemNote {
		s.refresh(ctx, ws)
		return true, nil
	}

	var n *models.Note
	err = apperr.Retry(ctx, func() error {
		var aerr error
		n, aerr = ws.vault.AdoptNoteAt(ev.Path)
		return aerr
	}, externalReadRetry)
	if err != nil {
		log.Warn("noteservice: read external note", slog.Any("error", err))
		return false, nil
	}

	ws.stateMu.Lock()
	local, dirty := ws.dirty[n.ID]
	var found *conflict.Data
	if dirty {
		found = conflict.Detect(ev.Path, local, local.UpdatedAt, n, ev.Timestamp)
		if found != nil {
			ws.conflicts[n.ID] = found
		} else {
			delete(ws.dirty, n.ID)
		}
	}
	ws.stateMu.Unlock()

	if found != nil {
		log.Info("noteservice: conflict detected", slog.String("note", n.ID))
		return true, found
	}
	s.mirrorNote(ctx, ws, n)
	return true, nil
}

var externalReadRetry = apperr.RetryOptions{MaxAttempts: 3, InitialInterval: 20 * time.Millisecond, MaxInterval: 100 * time.Millisecond}

// refresh reloads the snapshot into both indexes after a structural
// external change.
func (s *Service) refresh(ctx context.Context, ws *workspace) {
	if _, err := s.rebuild(ctx, ws); err != nil {
		s.logger.Warn("noteservice: refresh after external change", slog.Any("error", err))
	}
}

package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/kolnoter/internal/models"
)

// Source is anything that can produce a full snapshot, normally a
// storage.Adapter.
type Source interface {
	LoadAll(ctx context.Context) (*models.Snapshot, error)
}

// FullReindex clears every entity table and replays the snapshot of src in
// the order systems, projects, notes, trash. It runs in one transaction, so
// a failure leaves the previous contents in place.
func FullReindex(ctx context.Context, db *DB, src Source, logger *slog.Logger) (Counts, error) {
	start := time.Now()
	snap, err := src.LoadAll(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("index: reindex: load: %w", err)
	}
	if err := db.Replace(ctx, snap); err != nil {
		return Counts{}, err
	}
	counts, err := db.Counts(ctx)
	if err != nil {
		return Counts{}, err
	}
	logger.Info("index: reindexed",
		slog.Int("systems", counts.Systems),
		slog.Int("projects", counts.Projects),
		slog.Int("notes", counts.Notes),
		slog.Int("trash", counts.Trash),
		slog.Duration("took", time.Since(start)))
	return counts, nil
}

// Replace swaps the index contents for snap.
func (db *DB) Replace(ctx context.Context, snap *models.Snapshot) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range []string{"entity_tags", "trash", "notes", "projects", "systems"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
				return fmt.Errorf("index: clear %s: %w", t, err)
			}
		}
		for i := range snap.Systems {
			if err := upsertSystem(ctx, tx, &snap.Systems[i]); err != nil {
				return err
			}
		}
		for i := range snap.Systems {
			s := &snap.Systems[i]
			for j := range s.Projects {
				if err := upsertProject(ctx, tx, s.ID, &s.Projects[j]); err != nil {
					return err
				}
			}
		}
		for i := range snap.Notes {
			if err := upsertNote(ctx, tx, &snap.Notes[i]); err != nil {
				return err
			}
		}
		for i := range snap.Trash {
			if err := upsertTrash(ctx, tx, &snap.Trash[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

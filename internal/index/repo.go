package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/starford/kolnoter/internal/models"
)

// Entity types stored in entity_tags.
const (
	entitySystem  = "system"
	entityProject = "project"
	entityNote    = "note"
)

// colEncoder serializes nested values into JSON text columns, keeping the
// first error.
type colEncoder struct {
	err error
}

func (e *colEncoder) list(v any) string   { return e.encode(v, "[]") }
func (e *colEncoder) object(v any) string { return e.encode(v, "{}") }

func (e *colEncoder) encode(v any, empty string) string {
	if e.err != nil {
		return empty
	}
	data, err := json.Marshal(v)
	if err != nil {
		e.err = err
		return empty
	}
	if string(data) == "null" {
		return empty
	}
	return string(data)
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertSystem mirrors a system and the projects it lists.
func (db *DB) UpsertSystem(ctx context.Context, s *models.System) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSystem(ctx, tx, s); err != nil {
			return err
		}
		for i := range s.Projects {
			if err := upsertProject(ctx, tx, s.ID, &s.Projects[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertSystem(ctx context.Context, ex execer, s *models.System) error {
	var enc colEncoder
	args := []any{
		s.ID, s.Name, s.Description, s.Color, s.Icon, s.DetailNotes, s.CustomType,
		s.CustomField1, s.CustomField2, s.CustomField3,
		enc.list(s.Tags), enc.object(s.TagColors), enc.list(s.Photos), enc.list(s.VoiceRecordings),
		enc.list(s.Links), enc.list(s.Contacts), enc.object(s.Attachments), enc.object(s.Metrics),
		s.CreatedAt, s.UpdatedAt,
	}
	if enc.err != nil {
		return fmt.Errorf("index: encode system %s: %w", s.ID, enc.err)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO systems (id, name, description, color, icon, detail_notes, custom_type,
			custom_field1, custom_field2, custom_field3,
			tags_json, tag_colors_json, photos_json, voice_recordings_json,
			links_json, contacts_json, attachments_json, metrics_json,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name                  = excluded.name,
			description           = excluded.description,
			color                 = excluded.color,
			icon                  = excluded.icon,
			detail_notes          = excluded.detail_notes,
			custom_type           = excluded.custom_type,
			custom_field1         = excluded.custom_field1,
			custom_field2         = excluded.custom_field2,
			custom_field3         = excluded.custom_field3,
			tags_json             = excluded.tags_json,
			tag_colors_json       = excluded.tag_colors_json,
			photos_json           = excluded.photos_json,
			voice_recordings_json = excluded.voice_recordings_json,
			links_json            = excluded.links_json,
			contacts_json         = excluded.contacts_json,
			attachments_json      = excluded.attachments_json,
			metrics_json          = excluded.metrics_json,
			created_at            = excluded.created_at,
			updated_at            = excluded.updated_at
	`, args...)
	if err != nil {
		return fmt.Errorf("index: upsert system %s: %w", s.ID, err)
	}
	return syncTags(ctx, ex, entitySystem, s.ID, s.Tags)
}

// UpsertProject mirrors one project. Its system must already be indexed.
func (db *DB) UpsertProject(ctx context.Context, systemID string, p *models.Project) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return upsertProject(ctx, tx, systemID, p)
	})
}

func upsertProject(ctx context.Context, ex execer, systemID string, p *models.Project) error {
	var enc colEncoder
	args := []any{
		p.ID, systemID, p.Name, p.Description, p.Color, p.Icon, p.DetailNotes, p.CustomType,
		p.CustomField1, p.CustomField2, p.CustomField3,
		enc.list(p.Tags), enc.object(p.TagColors), enc.list(p.Photos), enc.list(p.VoiceRecordings),
		enc.list(p.Links), enc.list(p.Contacts), enc.object(p.Attachments), enc.object(p.Metrics),
		p.CreatedAt, p.UpdatedAt,
	}
	if enc.err != nil {
		return fmt.Errorf("index: encode project %s: %w", p.ID, enc.err)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projects (id, system_id, name, description, color, icon, detail_notes, custom_type,
			custom_field1, custom_field2, custom_field3,
			tags_json, tag_colors_json, photos_json, voice_recordings_json,
			links_json, contacts_json, attachments_json, metrics_json,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			system_id             = excluded.system_id,
			name                  = excluded.name,
			description           = excluded.description,
			color                 = excluded.color,
			icon                  = excluded.icon,
			detail_notes          = excluded.detail_notes,
			custom_type           = excluded.custom_type,
			custom_field1         = excluded.custom_field1,
			custom_field2         = excluded.custom_field2,
			custom_field3         = excluded.custom_field3,
			tags_json             = excluded.tags_json,
			tag_colors_json       = excluded.tag_colors_json,
			photos_json           = excluded.photos_json,
			voice_recordings_json = excluded.voice_recordings_json,
			links_json            = excluded.links_json,
			contacts_json         = excluded.contacts_json,
			attachments_json      = excluded.attachments_json,
			metrics_json          = excluded.metrics_json,
			created_at            = excluded.created_at,
			updated_at            = excluded.updated_at
	`, args...)
	if err != nil {
		return fmt.Errorf("index: upsert project %s: %w", p.ID, err)
	}
	return syncTags(ctx, ex, entityProject, p.ID, p.Tags)
}

// UpsertNote mirrors one note and resyncs its tags.
func (db *DB) UpsertNote(ctx context.Context, n *models.Note) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return upsertNote(ctx, tx, n)
	})
}

func upsertNote(ctx context.Context, ex execer, n *models.Note) error {
	var enc colEncoder
	editor := n.EditorType
	if editor == "" {
		editor = models.EditorMarkdown
	}
	args := []any{
		n.ID, n.SystemID, n.ProjectID, n.Title, n.Preview, n.Date, string(editor), rawText(n.Content),
		boolInt(n.Favorite), n.Color, n.Icon, n.CoverPhotoID, n.CustomType,
		n.CustomField1, n.CustomField2, n.CustomField3, n.DetailNotes,
		enc.list(n.Tags), enc.object(n.TagColors), enc.object(n.Attachments), enc.list(n.Photos),
		enc.list(n.VoiceRecordings), enc.list(n.Links), enc.list(n.Contacts), rawText(n.Pages),
		enc.object(n.Metrics), n.CreatedAt, n.UpdatedAt,
	}
	if enc.err != nil {
		return fmt.Errorf("index: encode note %s: %w", n.ID, enc.err)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO notes (id, system_id, project_id, title, preview, date, editor_type, content_json,
			favorite, color, icon, cover_photo_id, custom_type,
			custom_field1, custom_field2, custom_field3, detail_notes,
			tags_json, tag_colors_json, attachments_json, photos_json,
			voice_recordings_json, links_json, contacts_json, pages_json,
			metrics_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			system_id             = excluded.system_id,
			project_id            = excluded.project_id,
			title                 = excluded.title,
			preview               = excluded.preview,
			date                  = excluded.date,
			editor_type           = excluded.editor_type,
			content_json          = excluded.content_json,
			favorite              = excluded.favorite,
			color                 = excluded.color,
			icon                  = excluded.icon,
			cover_photo_id        = excluded.cover_photo_id,
			custom_type           = excluded.custom_type,
			custom_field1         = excluded.custom_field1,
			custom_field2         = excluded.custom_field2,
			custom_field3         = excluded.custom_field3,
			detail_notes          = excluded.detail_notes,
			tags_json             = excluded.tags_json,
			tag_colors_json       = excluded.tag_colors_json,
			attachments_json      = excluded.attachments_json,
			photos_json           = excluded.photos_json,
			voice_recordings_json = excluded.voice_recordings_json,
			links_json            = excluded.links_json,
			contacts_json         = excluded.contacts_json,
			pages_json            = excluded.pages_json,
			metrics_json          = excluded.metrics_json,
			created_at            = excluded.created_at,
			updated_at            = excluded.updated_at
	`, args...)
	if err != nil {
		return fmt.Errorf("index: upsert note %s: %w", n.ID, err)
	}
	return syncTags(ctx, ex, entityNote, n.ID, n.Tags)
}

// UpsertTrash mirrors one trash entry.
func (db *DB) UpsertTrash(ctx context.Context, e *models.TrashEntry) error {
	return upsertTrash(ctx, db.conn, e)
}

func upsertTrash(ctx context.Context, ex execer, e *models.TrashEntry) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO trash (id, note_json, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			note_json  = excluded.note_json,
			deleted_at = excluded.deleted_at
	`, e.ID, string(e.Note), e.DeletedAt)
	if err != nil {
		return fmt.Errorf("index: upsert trash %s: %w", e.ID, err)
	}
	return nil
}

// MoveToTrash removes the note row and records its trash entry atomically.
func (db *DB) MoveToTrash(ctx context.Context, e *models.TrashEntry) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteNote(ctx, tx, e.ID); err != nil {
			return err
		}
		return upsertTrash(ctx, tx, e)
	})
}

// RestoreFromTrash drops the trash entry and re-adds the note atomically.
func (db *DB) RestoreFromTrash(ctx context.Context, trashID string, n *models.Note) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM trash WHERE id = ?`, trashID); err != nil {
			return fmt.Errorf("index: delete trash %s: %w", trashID, err)
		}
		return upsertNote(ctx, tx, n)
	})
}

// DeleteSystem removes a system with its projects and their notes.
func (db *DB) DeleteSystem(ctx context.Context, id string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM entity_tags WHERE entity_type = 'note' AND entity_id IN (SELECT id FROM notes WHERE system_id = ?)`,
			`DELETE FROM notes WHERE system_id = ?`,
			`DELETE FROM entity_tags WHERE entity_type = 'project' AND entity_id IN (SELECT id FROM projects WHERE system_id = ?)`,
			`DELETE FROM entity_tags WHERE entity_type = 'system' AND entity_id = ?`,
			`DELETE FROM systems WHERE id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("index: delete system %s: %w", id, err)
			}
		}
		return nil
	})
}

// DeleteProject removes a project and its notes.
func (db *DB) DeleteProject(ctx context.Context, id string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM entity_tags WHERE entity_type = 'note' AND entity_id IN (SELECT id FROM notes WHERE project_id = ?)`,
			`DELETE FROM notes WHERE project_id = ?`,
			`DELETE FROM entity_tags WHERE entity_type = 'project' AND entity_id = ?`,
			`DELETE FROM projects WHERE id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("index: delete project %s: %w", id, err)
			}
		}
		return nil
	})
}

// DeleteNote removes a note and its tags.
func (db *DB) DeleteNote(ctx context.Context, id string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return deleteNote(ctx, tx, id)
	})
}

func deleteNote(ctx context.Context, ex execer, id string) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM entity_tags WHERE entity_type = 'note' AND entity_id = ?`, id); err != nil {
		return fmt.Errorf("index: delete note tags %s: %w", id, err)
	}
	if _, err := ex.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: delete note %s: %w", id, err)
	}
	return nil
}

// DeleteTrash removes a purged trash entry.
func (db *DB) DeleteTrash(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM trash WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: delete trash %s: %w", id, err)
	}
	return nil
}

// syncTags replaces the tag rows of one entity: delete, then insert.
func syncTags(ctx context.Context, ex execer, entityType, id string, tags []string) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM entity_tags WHERE entity_type = ? AND entity_id = ?`, entityType, id); err != nil {
		return fmt.Errorf("index: clear %s tags %s: %w", entityType, id, err)
	}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, err := ex.ExecContext(ctx, `INSERT OR IGNORE INTO entity_tags (entity_type, entity_id, tag) VALUES (?, ?, ?)`, entityType, id, tag); err != nil {
			return fmt.Errorf("index: insert %s tag %s: %w", entityType, id, err)
		}
	}
	return nil
}

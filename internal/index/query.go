package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/models"
)

// Filter narrows ListNotes. Zero fields do not filter.
type Filter struct {
	SystemID  string
	ProjectID string
	Tag       string
	Limit     int
	Offset    int
}

// TagCount is one row of AllTags.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Counts reports table sizes.
type Counts struct {
	Systems  int `json:"systems"`
	Projects int `json:"projects"`
	Notes    int `json:"notes"`
	Trash    int `json:"trash"`
	Tags     int `json:"tags"`
}

const noteColumns = `id, system_id, project_id, title, preview, date, editor_type, content_json,
	favorite, color, icon, cover_photo_id, custom_type,
	custom_field1, custom_field2, custom_field3, detail_notes,
	tags_json, tag_colors_json, attachments_json, photos_json,
	voice_recordings_json, links_json, contacts_json, pages_json,
	metrics_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(r rowScanner) (*models.Note, error) {
	var (
		n                                    models.Note
		editor, content, pages               string
		favorite                             int
		tags, tagColors, attachments, photos string
		voice, links, contacts, metrics      string
	)
	err := r.Scan(&n.ID, &n.SystemID, &n.ProjectID, &n.Title, &n.Preview, &n.Date, &editor, &content,
		&favorite, &n.Color, &n.Icon, &n.CoverPhotoID, &n.CustomType,
		&n.CustomField1, &n.CustomField2, &n.CustomField3, &n.DetailNotes,
		&tags, &tagColors, &attachments, &photos,
		&voice, &links, &contacts, &pages,
		&metrics, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.EditorType = models.EditorType(editor)
	n.Favorite = favorite != 0
	if content != "null" {
		n.Content = json.RawMessage(content)
	}
	if pages != "null" {
		n.Pages = json.RawMessage(pages)
	}
	dec := colDecoder{}
	dec.decode(tags, &n.Tags)
	dec.decode(tagColors, &n.TagColors)
	dec.decode(attachments, &n.Attachments)
	dec.decode(photos, &n.Photos)
	dec.decode(voice, &n.VoiceRecordings)
	dec.decode(links, &n.Links)
	dec.decode(contacts, &n.Contacts)
	dec.decode(metrics, &n.Metrics)
	if dec.err != nil {
		return nil, &apperr.SerializationError{Path: "index:notes/" + n.ID, Format: "json", Err: dec.err}
	}
	return &n, nil
}

type colDecoder struct {
	err error
}

func (d *colDecoder) decode(text string, dst any) {
	if d.err != nil {
		return
	}
	d.err = json.Unmarshal([]byte(text), dst)
}

// GetNote returns one indexed note or an error wrapping apperr.ErrNotFound.
func (db *DB) GetNote(ctx context.Context, id string) (*models.Note, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: note %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get note %s: %w", id, err)
	}
	return n, nil
}

// LastUpdated returns the indexed updatedAt of an entity, or 0 when it is
// not indexed.
func (db *DB) LastUpdated(ctx context.Context, item models.ItemType, id string) (int64, error) {
	var table string
	switch item {
	case models.ItemSystem:
		table = "systems"
	case models.ItemProject:
		table = "projects"
	case models.ItemNote:
		table = "notes"
	default:
		return 0, fmt.Errorf("index: last updated: unknown item type %q", item)
	}
	var ts int64
	err := db.conn.QueryRowContext(ctx, `SELECT updated_at FROM `+table+` WHERE id = ?`, id).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("index: last updated %s %s: %w", item, id, err)
	}
	return ts, nil
}

// ListNotes returns notes matching f, most recently updated first, and the
// total number of matches ignoring Limit and Offset.
func (db *DB) ListNotes(ctx context.Context, f Filter) ([]models.Note, int, error) {
	var (
		where []string
		args  []any
	)
	if f.SystemID != "" {
		where = append(where, "system_id = ?")
		args = append(args, f.SystemID)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Tag != "" {
		where = append(where, "id IN (SELECT entity_id FROM entity_tags WHERE entity_type = 'note' AND tag = ?)")
		args = append(args, f.Tag)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM notes`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count notes: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT ` + noteColumns + ` FROM notes` + clause + ` ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := db.conn.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list notes: %w", err)
	}
	defer rows.Close()

	out := []models.Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("index: scan note: %w", err)
		}
		out = append(out, *n)
	}
	return out, total, rows.Err()
}

// NotesByTag returns the ids of notes carrying tag, sorted.
func (db *DB) NotesByTag(ctx context.Context, tag string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT entity_id FROM entity_tags WHERE entity_type = 'note' AND tag = ? ORDER BY entity_id`, tag)
	if err != nil {
		return nil, fmt.Errorf("index: notes by tag: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AllTags returns every tag with the number of entities carrying it, most
// used first.
func (db *DB) AllTags(ctx context.Context) ([]TagCount, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT tag, count(*) AS c FROM entity_tags GROUP BY tag ORDER BY c DESC, tag ASC`)
	if err != nil {
		return nil, fmt.Errorf("index: all tags: %w", err)
	}
	defer rows.Close()
	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// Counts returns the number of rows per entity table.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM systems),
			(SELECT count(*) FROM projects),
			(SELECT count(*) FROM notes),
			(SELECT count(*) FROM trash),
			(SELECT count(DISTINCT tag) FROM entity_tags)
	`).Scan(&c.Systems, &c.Projects, &c.Notes, &c.Trash, &c.Tags)
	if err != nil {
		return Counts{}, fmt.Errorf("index: counts: %w", err)
	}
	return c, nil
}

// dumpTables lists each entity table with its deterministic ordering.
var dumpTables = []struct {
	name, order string
}{
	{"systems", "id"},
	{"projects", "id"},
	{"notes", "id"},
	{"trash", "id"},
	{"entity_tags", "entity_type, entity_id, tag"},
}

// Dump renders every entity table as text in primary-key order. Two dumps
// are equal exactly when the tables hold the same rows.
func (db *DB) Dump(ctx context.Context) (string, error) {
	var b strings.Builder
	for _, t := range dumpTables {
		rows, err := db.conn.QueryContext(ctx, `SELECT * FROM `+t.name+` ORDER BY `+t.order)
		if err != nil {
			return "", fmt.Errorf("index: dump %s: %w", t.name, err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return "", fmt.Errorf("index: dump %s: %w", t.name, err)
		}
		fmt.Fprintf(&b, "# %s (%s)\n", t.name, strings.Join(cols, ", "))
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return "", fmt.Errorf("index: dump %s: %w", t.name, err)
			}
			for i, v := range vals {
				if i > 0 {
					b.WriteByte('|')
				}
				if v.Valid {
					b.WriteString(v.String)
				} else {
					b.WriteString("NULL")
				}
			}
			b.WriteByte('\n')
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return "", fmt.Errorf("index: dump %s: %w", t.name, err)
		}
	}
	return b.String(), nil
}

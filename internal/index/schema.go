// Package index mirrors every entity of the active storage adapter into a
// SQLite cache for fast queries. The cache can always be rebuilt from the
// adapter with FullReindex.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the version written to _meta once all migrations ran.
const schemaVersion = 2

// coreSchemaSQL is the version 1 layout. Columns added later live in
// migrations so that older index files are upgraded in place.
const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS _meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS systems (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	color                 TEXT NOT NULL DEFAULT '',
	icon                  TEXT NOT NULL DEFAULT '',
	detail_notes          TEXT NOT NULL DEFAULT '',
	custom_type           TEXT NOT NULL DEFAULT '',
	custom_field1         TEXT NOT NULL DEFAULT '',
	custom_field2         TEXT NOT NULL DEFAULT '',
	custom_field3         TEXT NOT NULL DEFAULT '',
	tags_json             TEXT NOT NULL DEFAULT '[]',
	tag_colors_json       TEXT NOT NULL DEFAULT '{}',
	photos_json           TEXT NOT NULL DEFAULT '[]',
	voice_recordings_json TEXT NOT NULL DEFAULT '[]',
	links_json            TEXT NOT NULL DEFAULT '[]',
	attachments_json      TEXT NOT NULL DEFAULT '{}',
	metrics_json          TEXT NOT NULL DEFAULT '{}',
	created_at            INTEGER NOT NULL DEFAULT 0,
	updated_at            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS projects (
	id                    TEXT PRIMARY KEY,
	system_id             TEXT NOT NULL REFERENCES systems(id) ON DELETE CASCADE,
	name                  TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	color                 TEXT NOT NULL DEFAULT '',
	icon                  TEXT NOT NULL DEFAULT '',
	detail_notes          TEXT NOT NULL DEFAULT '',
	custom_type           TEXT NOT NULL DEFAULT '',
	custom_field1         TEXT NOT NULL DEFAULT '',
	custom_field2         TEXT NOT NULL DEFAULT '',
	custom_field3         TEXT NOT NULL DEFAULT '',
	tags_json             TEXT NOT NULL DEFAULT '[]',
	tag_colors_json       TEXT NOT NULL DEFAULT '{}',
	photos_json           TEXT NOT NULL DEFAULT '[]',
	voice_recordings_json TEXT NOT NULL DEFAULT '[]',
	links_json            TEXT NOT NULL DEFAULT '[]',
	contacts_json         TEXT NOT NULL DEFAULT '[]',
	attachments_json      TEXT NOT NULL DEFAULT '{}',
	metrics_json          TEXT NOT NULL DEFAULT '{}',
	created_at            INTEGER NOT NULL DEFAULT 0,
	updated_at            INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_projects_system ON projects(system_id);

CREATE TABLE IF NOT EXISTS notes (
	id                    TEXT PRIMARY KEY,
	system_id             TEXT NOT NULL DEFAULT '',
	project_id            TEXT NOT NULL DEFAULT '',
	title                 TEXT NOT NULL DEFAULT '',
	preview               TEXT NOT NULL DEFAULT '',
	date                  TEXT NOT NULL DEFAULT '',
	editor_type           TEXT NOT NULL DEFAULT 'markdown',
	content_json          TEXT NOT NULL DEFAULT 'null',
	favorite              INTEGER NOT NULL DEFAULT 0,
	color                 TEXT NOT NULL DEFAULT '',
	icon                  TEXT NOT NULL DEFAULT '',
	cover_photo_id        TEXT NOT NULL DEFAULT '',
	custom_type           TEXT NOT NULL DEFAULT '',
	custom_field1         TEXT NOT NULL DEFAULT '',
	custom_field2         TEXT NOT NULL DEFAULT '',
	custom_field3         TEXT NOT NULL DEFAULT '',
	detail_notes          TEXT NOT NULL DEFAULT '',
	tags_json             TEXT NOT NULL DEFAULT '[]',
	tag_colors_json       TEXT NOT NULL DEFAULT '{}',
	attachments_json      TEXT NOT NULL DEFAULT '{}',
	photos_json           TEXT NOT NULL DEFAULT '[]',
	voice_recordings_json TEXT NOT NULL DEFAULT '[]',
	links_json            TEXT NOT NULL DEFAULT '[]',
	contacts_json         TEXT NOT NULL DEFAULT '[]',
	metrics_json          TEXT NOT NULL DEFAULT '{}',
	created_at            INTEGER NOT NULL DEFAULT 0,
	updated_at            INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_notes_location ON notes(system_id, project_id);
CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at DESC);

CREATE TABLE IF NOT EXISTS trash (
	id         TEXT PRIMARY KEY,
	note_json  TEXT NOT NULL,
	deleted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_tags (
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	tag         TEXT NOT NULL,
	PRIMARY KEY (entity_type, entity_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_entity_tags_tag ON entity_tags(tag);
`

// migration is one additive schema step.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 2,
		statements: []string{
			`ALTER TABLE notes ADD COLUMN pages_json TEXT NOT NULL DEFAULT 'null'`,
			`ALTER TABLE systems ADD COLUMN contacts_json TEXT NOT NULL DEFAULT '[]'`,
		},
	},
}

// applySchema creates the core tables and runs every migration newer than
// the stored version.
func applySchema(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, coreSchemaSQL); err != nil {
		return fmt.Errorf("index: apply core schema: %w", err)
	}
	current, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := conn.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
				return fmt.Errorf("index: migrate to v%d: %w", m.version, err)
			}
		}
		if err := writeSchemaVersion(ctx, conn, m.version); err != nil {
			return err
		}
		current = m.version
	}
	if current < schemaVersion {
		return writeSchemaVersion(ctx, conn, schemaVersion)
	}
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var raw string
	err := conn.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'schemaVersion'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("index: read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("index: parse schema version %q: %w", raw, err)
	}
	return v, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.DB, v int) error {
	_, err := conn.ExecContext(ctx, `
		INSERT INTO _meta (key, value) VALUES ('schemaVersion', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(v))
	if err != nil {
		return fmt.Errorf("index: write schema version: %w", err)
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}

package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/starford/kolnoter/internal/models"
)

// Index is the query and mirror surface consumers depend on.
type Index interface {
	UpsertSystem(ctx context.Context, s *models.System) error
	UpsertProject(ctx context.Context, systemID string, p *models.Project) error
	UpsertNote(ctx context.Context, n *models.Note) error
	UpsertTrash(ctx context.Context, e *models.TrashEntry) error
	DeleteSystem(ctx context.Context, id string) error
	DeleteProject(ctx context.Context, id string) error
	DeleteNote(ctx context.Context, id string) error
	DeleteTrash(ctx context.Context, id string) error

	GetNote(ctx context.Context, id string) (*models.Note, error)
	ListNotes(ctx context.Context, f Filter) ([]models.Note, int, error)
	NotesByTag(ctx context.Context, tag string) ([]string, error)
	AllTags(ctx context.Context) ([]TagCount, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Verify *DB satisfies Index at compile time.
var _ Index = (*DB)(nil)

// DB wraps the single shared connection to an index file.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database at path and brings its schema
// up to date.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	// One handle per vault: statements never interleave.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if err := applySchema(context.Background(), conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SchemaVersion returns the version recorded in _meta.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	return readSchemaVersion(ctx, db.conn)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// inTx runs fn inside a transaction, committing on success.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// Package storage implements the two interchangeable persistence backends:
// an in-process embedded store and a filesystem vault of plain files.
package storage

import (
	"context"

	"github.com/starford/kolnoter/internal/models"
)

// Backend names an Adapter implementation.
type Backend string

const (
	BackendEmbedded   Backend = "embedded"
	BackendFilesystem Backend = "filesystem"
)

// ChangeSource is anything that can feed external change events into an
// adapter, normally a *watcher.Watcher.
type ChangeSource interface {
	Subscribe(cb func(models.ExternalChangeEvent)) (unsubscribe func())
}

// ChangeListener receives external change notifications.
type ChangeListener func(models.ExternalChangeEvent)

// Adapter is the storage contract shared by both backends. Save calls are
// upserts keyed by id; repeating one with identical data is a no-op.
type Adapter interface {
	Kind() Backend

	// LoadAll reads the full snapshot. A failure reading any entity aborts
	// the whole read.
	LoadAll(ctx context.Context) (*models.Snapshot, error)

	SaveSystem(ctx context.Context, s *models.System) error
	SaveProject(ctx context.Context, systemID string, p *models.Project) error
	SaveNote(ctx context.Context, n *models.Note) error

	DeleteSystem(ctx context.Context, id string) error
	DeleteProject(ctx context.Context, id string) error
	DeleteNote(ctx context.Context, id string) error

	// TrashNote moves a note into the trash collection.
	TrashNote(ctx context.Context, id string, deletedAt int64) (*models.TrashEntry, error)
	// RestoreNote moves a trashed note back into place.
	RestoreNote(ctx context.Context, trashID string) (*models.Note, error)
	// PurgeTrash permanently removes a trash entry.
	PurgeTrash(ctx context.Context, trashID string) error

	// SaveAttachment stores a binary payload and returns the reference a
	// note should carry for it.
	SaveAttachment(ctx context.Context, ownerID, filename string, data []byte) (string, error)
	GetAttachment(ctx context.Context, ownerID, filename string) ([]byte, error)
	DeleteAttachment(ctx context.Context, ownerID, filename string) error

	// OnExternalChange subscribes to edits made outside the application.
	// The embedded backend never fires.
	OnExternalChange(cb ChangeListener) (unsubscribe func())

	// Clear removes every entity and attachment.
	Clear(ctx context.Context) error
	Close() error
}

var (
	_ Adapter = (*Memory)(nil)
	_ Adapter = (*Vault)(nil)
)

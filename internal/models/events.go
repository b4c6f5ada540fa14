package models

// ChangeType is the filesystem-level kind of an external change.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ItemType is the entity kind inferred from a changed path.
type ItemType string

const (
	ItemNote    ItemType = "note"
	ItemSystem  ItemType = "system"
	ItemProject ItemType = "project"
)

// ExternalChangeEvent is emitted by the watcher for edits made outside the
// application. It is never persisted.
type ExternalChangeEvent struct {
	Type      ChangeType `json:"type"`
	Path      string     `json:"path"`
	ItemType  ItemType   `json:"itemType"`
	Timestamp int64      `json:"timestamp"`
}

// Kind returns the combined event name, e.g. "note-updated".
func (e ExternalChangeEvent) Kind() string {
	return string(e.ItemType) + "-" + string(e.Type)
}

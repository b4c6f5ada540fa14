package models

import (
	"encoding/json"
	"fmt"
)

// TrashEntry is a soft-deleted note kept until it is purged.
type TrashEntry struct {
	ID        string          `json:"id"`
	Note      json.RawMessage `json:"note"`
	DeletedAt int64           `json:"deletedAt"`
}

// NewTrashEntry serializes the full note into a trash entry.
func NewTrashEntry(n *Note, deletedAt int64) (*TrashEntry, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("models: serialize trashed note: %w", err)
	}
	return &TrashEntry{ID: n.ID, Note: raw, DeletedAt: deletedAt}, nil
}

// Restore decodes the trashed note snapshot.
func (t *TrashEntry) Restore() (*Note, error) {
	var n Note
	if err := json.Unmarshal(t.Note, &n); err != nil {
		return nil, fmt.Errorf("models: decode trashed note %s: %w", t.ID, err)
	}
	return &n, nil
}

// Snapshot is the full state held by an adapter.
type Snapshot struct {
	Systems []System     `json:"systems"`
	Notes   []Note       `json:"notes"`
	Trash   []TrashEntry `json:"trash"`
}

// FindSystem returns the system with the given id, or nil.
func (s *Snapshot) FindSystem(id string) *System {
	for i := range s.Systems {
		if s.Systems[i].ID == id {
			return &s.Systems[i]
		}
	}
	return nil
}

// FindNote returns the note with the given id, or nil.
func (s *Snapshot) FindNote(id string) *Note {
	for i := range s.Notes {
		if s.Notes[i].ID == id {
			return &s.Notes[i]
		}
	}
	return nil
}

// ProjectCount returns the number of projects across all systems.
func (s *Snapshot) ProjectCount() int {
	n := 0
	for _, sys := range s.Systems {
		n += len(sys.Projects)
	}
	return n
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/datauri"
	"github.com/starford/kolnoter/internal/models"
)

const (
	keySystem     = "system:"
	keyNote       = "note:"
	keyTrash      = "trash:"
	keyAttachment = "attachment:"
)

// Memory is the embedded backend: a volatile key-value store holding one
// JSON document per entity. Systems are stored with their projects inline.
// Attachments are returned to callers as data URIs.
type Memory struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	closed bool
}

// NewMemory returns an empty embedded store.
func NewMemory() *Memory {
	return &Memory{kv: make(map[string][]byte)}
}

// Kind implements Adapter.
func (m *Memory) Kind() Backend { return BackendEmbedded }

func (m *Memory) checkOpen() error {
	if m.closed {
		return fmt.Errorf("storage: embedded store: %w", apperr.ErrClosed)
	}
	return nil
}

func (m *Memory) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &apperr.SerializationError{Path: key, Format: "json", Err: err}
	}
	m.kv[key] = data
	return nil
}

func (m *Memory) get(key string, v any) error {
	data, ok := m.kv[key]
	if !ok {
		return fmt.Errorf("storage: %s: %w", key, apperr.ErrNotFound)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &apperr.SerializationError{Path: key, Format: "json", Err: err}
	}
	return nil
}

func (m *Memory) keys(prefix string) []string {
	var out []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// LoadAll implements Adapter.
func (m *Memory) LoadAll(ctx context.Context) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	snap := &models.Snapshot{Systems: []models.System{}, Notes: []models.Note{}, Trash: []models.TrashEntry{}}
	for _, k := range m.keys(keySystem) {
		var s models.System
		if err := m.get(k, &s); err != nil {
			return nil, err
		}
		if s.Projects == nil {
			s.Projects = []models.Project{}
		}
		sortProjects(s.Projects)
		snap.Systems = append(snap.Systems, s)
	}
	for _, k := range m.keys(keyNote) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var n models.Note
		if err := m.get(k, &n); err != nil {
			return nil, err
		}
		snap.Notes = append(snap.Notes, n)
	}
	for _, k := range m.keys(keyTrash) {
		var t models.TrashEntry
		if err := m.get(k, &t); err != nil {
			return nil, err
		}
		snap.Trash = append(snap.Trash, t)
	}
	sortSystems(snap.Systems)
	sortNotes(snap.Notes)
	sort.SliceStable(snap.Trash, func(i, j int) bool {
		if snap.Trash[i].DeletedAt != snap.Trash[j].DeletedAt {
			return snap.Trash[i].DeletedAt < snap.Trash[j].DeletedAt
		}
		return snap.Trash[i].ID < snap.Trash[j].ID
	})
	return snap, nil
}

// SaveSystem implements Adapter. Listed projects are upserted into the
// stored system; projects not listed are kept.
func (m *Memory) SaveSystem(ctx context.Context, s *models.System) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if s.ID == "" {
		return fmt.Errorf("storage: save system: empty id")
	}
	next := *s
	next.Projects = nil
	var prev models.System
	if err := m.get(keySystem+s.ID, &prev); err == nil {
		next.Projects = prev.Projects
	}
	for _, p := range s.Projects {
		next.UpsertProject(p)
	}
	return m.put(keySystem+s.ID, &next)
}

// SaveProject implements Adapter.
func (m *Memory) SaveProject(ctx context.Context, systemID string, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("storage: save project: empty id")
	}
	var sys models.System
	if err := m.get(keySystem+systemID, &sys); err != nil {
		return fmt.Errorf("storage: save project %s: %w", p.ID, err)
	}
	// A project moved between systems leaves its old parent.
	for _, k := range m.keys(keySystem) {
		if k == keySystem+systemID {
			continue
		}
		var other models.System
		if err := m.get(k, &other); err != nil {
			return err
		}
		if other.RemoveProject(p.ID) {
			if err := m.put(k, &other); err != nil {
				return err
			}
		}
	}
	sys.UpsertProject(*p)
	return m.put(keySystem+systemID, &sys)
}

// SaveNote implements Adapter.
func (m *Memory) SaveNote(ctx context.Context, n *models.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if n.ID == "" {
		return fmt.Errorf("storage: save note: empty id")
	}
	return m.put(keyNote+n.ID, n)
}

// DeleteSystem implements Adapter. Notes of the system are removed too.
func (m *Memory) DeleteSystem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, ok := m.kv[keySystem+id]; !ok {
		return fmt.Errorf("storage: delete system %s: %w", id, apperr.ErrNotFound)
	}
	delete(m.kv, keySystem+id)
	return m.dropNotes(func(n *models.Note) bool { return n.SystemID == id })
}

// DeleteProject implements Adapter.
func (m *Memory) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	found := false
	for _, k := range m.keys(keySystem) {
		var sys models.System
		if err := m.get(k, &sys); err != nil {
			return err
		}
		if sys.RemoveProject(id) {
			found = true
			if err := m.put(k, &sys); err != nil {
				return err
			}
		}
	}
	if !found {
		return fmt.Errorf("storage: delete project %s: %w", id, apperr.ErrNotFound)
	}
	return m.dropNotes(func(n *models.Note) bool { return n.ProjectID == id })
}

func (m *Memory) dropNotes(match func(*models.Note) bool) error {
	for _, k := range m.keys(keyNote) {
		var n models.Note
		if err := m.get(k, &n); err != nil {
			return err
		}
		if match(&n) {
			delete(m.kv, k)
		}
	}
	return nil
}

// DeleteNote implements Adapter.
func (m *Memory) DeleteNote(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, ok := m.kv[keyNote+id]; !ok {
		return fmt.Errorf("storage: delete note %s: %w", id, apperr.ErrNotFound)
	}
	delete(m.kv, keyNote+id)
	return nil
}

// TrashNote implements Adapter.
func (m *Memory) TrashNote(ctx context.Context, id string, deletedAt int64) (*models.TrashEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var n models.Note
	if err := m.get(keyNote+id, &n); err != nil {
		return nil, fmt.Errorf("storage: trash note: %w", err)
	}
	entry, err := models.NewTrashEntry(&n, deletedAt)
	if err != nil {
		return nil, &apperr.SerializationError{Path: keyNote + id, Format: "json", Err: err}
	}
	if err := m.put(keyTrash+id, entry); err != nil {
		return nil, err
	}
	delete(m.kv, keyNote+id)
	return entry, nil
}

// RestoreNote implements Adapter.
func (m *Memory) RestoreNote(ctx context.Context, trashID string) (*models.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var entry models.TrashEntry
	if err := m.get(keyTrash+trashID, &entry); err != nil {
		return nil, fmt.Errorf("storage: restore note: %w", err)
	}
	n, err := entry.Restore()
	if err != nil {
		return nil, &apperr.SerializationError{Path: keyTrash + trashID, Format: "json", Err: err}
	}
	if err := m.put(keyNote+n.ID, n); err != nil {
		return nil, err
	}
	delete(m.kv, keyTrash+trashID)
	return n, nil
}

// PurgeTrash implements Adapter.
func (m *Memory) PurgeTrash(ctx context.Context, trashID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, ok := m.kv[keyTrash+trashID]; !ok {
		return fmt.Errorf("storage: purge trash %s: %w", trashID, apperr.ErrNotFound)
	}
	delete(m.kv, keyTrash+trashID)
	return nil
}

// SaveAttachment implements Adapter. The returned reference is a data URI
// that renders without further lookups.
func (m *Memory) SaveAttachment(ctx context.Context, ownerID, filename string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	if err := validAttachmentName(ownerID, filename); err != nil {
		return "", err
	}
	m.kv[keyAttachment+ownerID+"/"+filename] = append([]byte(nil), data...)
	return datauri.Encode(data, datauri.MimeFromFilename(filename)), nil
}

// GetAttachment implements Adapter.
func (m *Memory) GetAttachment(ctx context.Context, ownerID, filename string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.kv[keyAttachment+ownerID+"/"+filename]
	if !ok {
		return nil, fmt.Errorf("storage: attachment %s/%s: %w", ownerID, filename, apperr.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// DeleteAttachment implements Adapter.
func (m *Memory) DeleteAttachment(ctx context.Context, ownerID, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, keyAttachment+ownerID+"/"+filename)
	return nil
}

// OnExternalChange implements Adapter. Nothing outside the process can
// modify the embedded store, so the callback never fires.
func (m *Memory) OnExternalChange(cb ChangeListener) func() {
	return func() {}
}

// Clear implements Adapter.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.kv = make(map[string][]byte)
	return nil
}

// Close implements Adapter.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/datauri"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/notify"
)

// VaultOptions configures OpenVault.
type VaultOptions struct {
	// Create initialises the hidden config directory when it is missing.
	Create bool
	Logger *slog.Logger
}

// Vault implements Adapter on a directory tree:
//
//	<System>/system.meta
//	<System>/<Project>/project.meta
//	<System>/<Project>/<Note>.md            (+ <Note>.<editor>.json for non-text notes)
//	assets/<ownerID>/<filename>
//	.kol-noter/{config.json,id-map.json,trash/}
type Vault struct {
	fs     *FS
	logger *slog.Logger

	mu     sync.Mutex
	ids    *IDMap
	config *VaultConfig
	closed bool

	listeners *notify.List[models.ExternalChangeEvent]
	unwatch   func()
}

// OpenVault opens the vault at root. Failures are *apperr.VaultError.
func OpenVault(root string, opts VaultOptions) (*Vault, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f, err := NewFS(root)
	if err != nil {
		return nil, err
	}
	if !f.Exists(ConfigFile) {
		if !opts.Create {
			return nil, &apperr.VaultError{Kind: apperr.VaultNotFound, Path: f.Root(), Err: errors.New("missing " + ConfigFile)}
		}
		if _, err := InitVault(f.Root()); err != nil {
			return nil, apperr.ClassifyOpenError(f.Root(), err)
		}
	}
	cfg, err := f.readVaultConfig()
	if err != nil {
		return nil, apperr.ClassifyOpenError(f.Root(), err)
	}
	if cfg.Version > VaultFormatVersion {
		return nil, &apperr.VaultError{
			Kind: apperr.VaultInvalidFormat,
			Path: f.Root(),
			Err:  fmt.Errorf("vault format %d is newer than supported %d", cfg.Version, VaultFormatVersion),
		}
	}
	ids, err := f.readIDMap()
	if err != nil {
		return nil, apperr.ClassifyOpenError(f.Root(), err)
	}
	return &Vault{
		fs:        f,
		logger:    logger,
		ids:       ids,
		config:    cfg,
		listeners: notify.New[models.ExternalChangeEvent]("storage", logger),
	}, nil
}

// Kind implements Adapter.
func (v *Vault) Kind() Backend { return BackendFilesystem }

// Root returns the absolute vault root.
func (v *Vault) Root() string { return v.fs.Root() }

// FS exposes the confined file operations of this vault.
func (v *Vault) FS() *FS { return v.fs }

// Config returns a copy of the vault metadata.
func (v *Vault) Config() VaultConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return *v.config
}

// WatchWith forwards events from src to OnExternalChange subscribers.
// Any previous source is detached first.
func (v *Vault) WatchWith(src ChangeSource) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unwatch != nil {
		v.unwatch()
	}
	v.unwatch = src.Subscribe(v.listeners.Emit)
}

// OnExternalChange implements Adapter.
func (v *Vault) OnExternalChange(cb ChangeListener) func() {
	return v.listeners.Add(cb)
}

// Close detaches the change source and drops all subscribers.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unwatch != nil {
		v.unwatch()
		v.unwatch = nil
	}
	v.listeners.Clear()
	v.closed = true
	return nil
}

// NotePath returns the vault-relative file of a note.
func (v *Vault) NotePath(id string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.ids.Notes[id]
	return p, ok
}

// NoteIDAt returns the id mapped to a vault-relative note path.
func (v *Vault) NoteIDAt(rel string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return lookupByPath(v.ids.Notes, rel)
}

// ReadNoteAt decodes the note stored at a vault-relative path, resolving its
// system and project from the enclosing directories.
func (v *Vault) ReadNoteAt(rel string) (*models.Note, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, err := v.readNoteLocked(rel)
	if err != nil {
		return nil, err
	}
	v.adoptNoteLocked(n, rel)
	return n, nil
}

// AdoptNoteAt reads the note at rel and registers it in the id map without
// rewriting the file. A note whose id already belongs to another file, as
// happens when a file is copied, gets a fresh id.
func (v *Vault) AdoptNoteAt(rel string) (*models.Note, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	n, err := v.readNoteLocked(rel)
	if err != nil {
		return nil, err
	}
	v.adoptNoteLocked(n, rel)
	if other, ok := v.ids.Notes[n.ID]; n.ID == "" || (ok && other != rel) {
		n.ID = v.idForPath(v.ids.Notes, rel)
	}
	if v.ids.Notes[n.ID] == rel {
		return n, nil
	}
	for id, p := range v.ids.Notes {
		if p == rel {
			delete(v.ids.Notes, id)
		}
	}
	v.ids.Notes[n.ID] = rel
	if err := v.saveIDMapLocked(); err != nil {
		return nil, err
	}
	return n, nil
}

// MetaPath returns the meta file of a system or project.
func (v *Vault) MetaPath(item models.ItemType, id string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch item {
	case models.ItemSystem:
		if dir, ok := v.ids.Systems[id]; ok {
			return path.Join(dir, SystemMetaFile), true
		}
	case models.ItemProject:
		if dir, ok := v.ids.Projects[id]; ok {
			return path.Join(dir, ProjectMetaFile), true
		}
	}
	return "", false
}

// EntityAt reverse-maps a vault-relative note or meta file to the entity it
// currently belongs to.
func (v *Vault) EntityAt(rel string) (models.ItemType, string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch path.Base(rel) {
	case SystemMetaFile:
		id, ok := lookupByPath(v.ids.Systems, path.Dir(rel))
		return models.ItemSystem, id, ok
	case ProjectMetaFile:
		id, ok := lookupByPath(v.ids.Projects, path.Dir(rel))
		return models.ItemProject, id, ok
	}
	id, ok := lookupByPath(v.ids.Notes, rel)
	return models.ItemNote, id, ok
}

func (v *Vault) checkOpen() error {
	if v.closed {
		return fmt.Errorf("storage: vault %s: %w", v.fs.Root(), apperr.ErrClosed)
	}
	return nil
}

// LoadAll implements Adapter. The vault is walked from disk so files added
// by other tools are discovered; the id map is rewritten to match.
func (v *Vault) LoadAll(ctx context.Context) (*models.Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	fresh := newIDMap()
	snap := &models.Snapshot{Systems: []models.System{}, Notes: []models.Note{}, Trash: []models.TrashEntry{}}

	type noteLoc struct {
		rel       string
		systemID  string
		projectID string
	}
	var locs []noteLoc

	top, err := v.fs.ReadDir("")
	if err != nil {
		return nil, err
	}
	for _, e := range top {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || IsIgnoredPath(e.Name()) {
			continue
		}
		sysDir := e.Name()
		metaPath := path.Join(sysDir, SystemMetaFile)
		if !v.fs.Exists(metaPath) {
			continue
		}
		var sys models.System
		if err := v.readYAML(metaPath, &sys); err != nil {
			return nil, err
		}
		if sys.ID == "" {
			sys.ID = v.idForPath(v.ids.Systems, sysDir)
		}
		if sys.Tags == nil {
			sys.Tags = []string{}
		}
		sys.Projects = []models.Project{}
		fresh.Systems[sys.ID] = sysDir

		sub, err := v.fs.ReadDir(sysDir)
		if err != nil {
			return nil, err
		}
		for _, pe := range sub {
			if !pe.IsDir() || strings.HasPrefix(pe.Name(), ".") {
				continue
			}
			projDir := path.Join(sysDir, pe.Name())
			pmeta := path.Join(projDir, ProjectMetaFile)
			if !v.fs.Exists(pmeta) {
				continue
			}
			var proj models.Project
			if err := v.readYAML(pmeta, &proj); err != nil {
				return nil, err
			}
			if proj.ID == "" {
				proj.ID = v.idForPath(v.ids.Projects, projDir)
			}
			if proj.Tags == nil {
				proj.Tags = []string{}
			}
			proj.SystemID = sys.ID
			fresh.Projects[proj.ID] = projDir
			sys.Projects = append(sys.Projects, proj)

			files, err := v.fs.ReadDir(projDir)
			if err != nil {
				return nil, err
			}
			for _, fe := range files {
				if fe.IsDir() || !IsNoteFile(fe.Name()) {
					continue
				}
				locs = append(locs, noteLoc{rel: path.Join(projDir, fe.Name()), systemID: sys.ID, projectID: proj.ID})
			}
		}
		sortProjects(sys.Projects)
		snap.Systems = append(snap.Systems, sys)
	}

	notes := make([]*models.Note, len(locs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, loc := range locs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := v.readNoteLocked(loc.rel)
			if err != nil {
				return err
			}
			n.SystemID = loc.systemID
			n.ProjectID = loc.projectID
			notes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("storage: load notes: %w", err)
	}
	// A copied file carries the original's id. The path the id map already
	// knows keeps it; every other holder is re-identified.
	holder := make(map[string]int, len(notes))
	for i, n := range notes {
		if n.ID == "" {
			continue
		}
		j, dup := holder[n.ID]
		if !dup || (v.ids.Notes[n.ID] == locs[i].rel && v.ids.Notes[n.ID] != locs[j].rel) {
			holder[n.ID] = i
		}
	}
	for i, n := range notes {
		if n.ID == "" || holder[n.ID] != i {
			n.ID = v.idForPath(v.ids.Notes, locs[i].rel)
		}
		if n.CreatedAt == 0 || n.UpdatedAt == 0 {
			v.stampFromDisk(n, locs[i].rel)
		}
		fresh.Notes[n.ID] = locs[i].rel
		snap.Notes = append(snap.Notes, *n)
	}

	trash, err := v.loadTrashLocked()
	if err != nil {
		return nil, err
	}
	snap.Trash = trash

	sortSystems(snap.Systems)
	sortNotes(snap.Notes)

	if !sameIDMap(v.ids, fresh) {
		v.ids = fresh
		if err := v.saveIDMapLocked(); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// SaveSystem implements Adapter. Listed projects are upserted; projects not
// listed are left alone.
func (v *Vault) SaveSystem(ctx context.Context, s *models.System) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	if s.ID == "" {
		return fmt.Errorf("storage: save system: empty id")
	}

	dir, err := v.placeDirLocked(v.ids.Systems, s.ID, "", Slugify(s.Name))
	if err != nil {
		return err
	}
	v.ids.Systems[s.ID] = dir

	meta := *s
	meta.Projects = nil
	data, err := encodeYAML(path.Join(dir, SystemMetaFile), &meta)
	if err != nil {
		return err
	}
	if err := v.fs.Write(path.Join(dir, SystemMetaFile), data); err != nil {
		return err
	}
	for i := range s.Projects {
		if err := v.saveProjectLocked(s.ID, &s.Projects[i]); err != nil {
			return err
		}
	}
	return v.saveIDMapLocked()
}

// SaveProject implements Adapter.
func (v *Vault) SaveProject(ctx context.Context, systemID string, p *models.Project) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	if err := v.saveProjectLocked(systemID, p); err != nil {
		return err
	}
	return v.saveIDMapLocked()
}

func (v *Vault) saveProjectLocked(systemID string, p *models.Project) error {
	if p.ID == "" {
		return fmt.Errorf("storage: save project: empty id")
	}
	sysDir, ok := v.ids.Systems[systemID]
	if !ok {
		return fmt.Errorf("storage: save project %s: system %s: %w", p.ID, systemID, apperr.ErrNotFound)
	}
	dir, err := v.placeDirLocked(v.ids.Projects, p.ID, sysDir, Slugify(p.Name))
	if err != nil {
		return err
	}
	v.ids.Projects[p.ID] = dir

	meta := *p
	meta.SystemID = systemID
	metaPath := path.Join(dir, ProjectMetaFile)
	data, err := encodeYAML(metaPath, &meta)
	if err != nil {
		return err
	}
	return v.fs.Write(metaPath, data)
}

// SaveNote implements Adapter. Inline data-URI attachments are written into
// assets/ and n.Attachments is rewritten to reference the vault files.
func (v *Vault) SaveNote(ctx context.Context, n *models.Note) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	if err := v.saveNoteLocked(n); err != nil {
		return err
	}
	return v.saveIDMapLocked()
}

func (v *Vault) saveNoteLocked(n *models.Note) error {
	if n.ID == "" {
		return fmt.Errorf("storage: save note: empty id")
	}
	projDir, ok := v.ids.Projects[n.ProjectID]
	if !ok {
		return fmt.Errorf("storage: save note %s: project %s: %w", n.ID, n.ProjectID, apperr.ErrNotFound)
	}

	rel, err := v.placeNoteLocked(n.ID, projDir, Slugify(n.Title))
	if err != nil {
		return err
	}

	for name, ref := range n.Attachments {
		if !datauri.Is(ref) {
			continue
		}
		data, _, err := datauri.Decode(ref)
		if err != nil {
			return &apperr.SerializationError{Path: assetPath(n.ID, name), Format: "data-uri", Err: err}
		}
		stored, err := v.writeAttachmentLocked(n.ID, name, data)
		if err != nil {
			return err
		}
		n.Attachments[name] = stored
	}

	md, sidecar, err := encodeNote(rel, n)
	if err != nil {
		return err
	}
	if err := v.fs.Write(rel, md); err != nil {
		return err
	}
	for _, et := range []models.EditorType{models.EditorBlocks, models.EditorFlowchart} {
		sp := sidecarPath(rel, string(et))
		if sidecar != nil && et == n.EditorType {
			if err := v.fs.Write(sp, sidecar); err != nil {
				return err
			}
			continue
		}
		if err := v.fs.Delete(sp); err != nil {
			return err
		}
	}
	v.ids.Notes[n.ID] = rel
	return nil
}

// DeleteSystem implements Adapter. Notes inside the system directory go
// with it.
func (v *Vault) DeleteSystem(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	dir, ok := v.ids.Systems[id]
	if !ok {
		return fmt.Errorf("storage: delete system %s: %w", id, apperr.ErrNotFound)
	}
	if err := v.fs.RemoveAll(dir); err != nil {
		return err
	}
	v.ids.dropPrefix(dir)
	return v.saveIDMapLocked()
}

// DeleteProject implements Adapter.
func (v *Vault) DeleteProject(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	dir, ok := v.ids.Projects[id]
	if !ok {
		return fmt.Errorf("storage: delete project %s: %w", id, apperr.ErrNotFound)
	}
	if err := v.fs.RemoveAll(dir); err != nil {
		return err
	}
	v.ids.dropPrefix(dir)
	return v.saveIDMapLocked()
}

// DeleteNote implements Adapter. Attachment files under assets/ are left in
// place even when nothing references them any more.
func (v *Vault) DeleteNote(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	if err := v.deleteNoteLocked(id); err != nil {
		return err
	}
	return v.saveIDMapLocked()
}

func (v *Vault) deleteNoteLocked(id string) error {
	rel, ok := v.ids.Notes[id]
	if !ok {
		return fmt.Errorf("storage: delete note %s: %w", id, apperr.ErrNotFound)
	}
	if err := v.fs.Delete(rel); err != nil {
		return err
	}
	for _, et := range []models.EditorType{models.EditorBlocks, models.EditorFlowchart} {
		if err := v.fs.Delete(sidecarPath(rel, string(et))); err != nil {
			return err
		}
	}
	delete(v.ids.Notes, id)
	return nil
}

// TrashNote implements Adapter.
func (v *Vault) TrashNote(ctx context.Context, id string, deletedAt int64) (*models.TrashEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	rel, ok := v.ids.Notes[id]
	if !ok {
		return nil, fmt.Errorf("storage: trash note %s: %w", id, apperr.ErrNotFound)
	}
	n, err := v.readNoteLocked(rel)
	if err != nil {
		return nil, err
	}
	v.adoptNoteLocked(n, rel)
	entry, err := models.NewTrashEntry(n, deletedAt)
	if err != nil {
		return nil, &apperr.SerializationError{Path: rel, Format: "json", Err: err}
	}
	if err := v.fs.writeJSON(path.Join(TrashDir, id+".json"), entry); err != nil {
		return nil, err
	}
	if err := v.deleteNoteLocked(id); err != nil {
		return nil, err
	}
	return entry, v.saveIDMapLocked()
}

// RestoreNote implements Adapter. The owning project must still exist.
func (v *Vault) RestoreNote(ctx context.Context, trashID string) (*models.Note, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	tp := path.Join(TrashDir, trashID+".json")
	var entry models.TrashEntry
	if err := v.readJSON(tp, &entry); err != nil {
		return nil, err
	}
	n, err := entry.Restore()
	if err != nil {
		return nil, &apperr.SerializationError{Path: tp, Format: "json", Err: err}
	}
	if err := v.saveNoteLocked(n); err != nil {
		return nil, err
	}
	if err := v.fs.Delete(tp); err != nil {
		return nil, err
	}
	return n, v.saveIDMapLocked()
}

// PurgeTrash implements Adapter.
func (v *Vault) PurgeTrash(ctx context.Context, trashID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	tp := path.Join(TrashDir, trashID+".json")
	if !v.fs.Exists(tp) {
		return fmt.Errorf("storage: purge trash %s: %w", trashID, apperr.ErrNotFound)
	}
	return v.fs.Delete(tp)
}

// SaveAttachment implements Adapter and returns the vault-relative path.
func (v *Vault) SaveAttachment(ctx context.Context, ownerID, filename string, data []byte) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return "", err
	}
	return v.writeAttachmentLocked(ownerID, filename, data)
}

func (v *Vault) writeAttachmentLocked(ownerID, filename string, data []byte) (string, error) {
	if err := validAttachmentName(ownerID, filename); err != nil {
		return "", err
	}
	p := assetPath(ownerID, filename)
	if err := v.fs.Write(p, data); err != nil {
		return "", err
	}
	return p, nil
}

// GetAttachment implements Adapter.
func (v *Vault) GetAttachment(ctx context.Context, ownerID, filename string) ([]byte, error) {
	if err := validAttachmentName(ownerID, filename); err != nil {
		return nil, err
	}
	return v.fs.Read(assetPath(ownerID, filename))
}

// DeleteAttachment implements Adapter.
func (v *Vault) DeleteAttachment(ctx context.Context, ownerID, filename string) error {
	if err := validAttachmentName(ownerID, filename); err != nil {
		return err
	}
	return v.fs.Delete(assetPath(ownerID, filename))
}

// Clear implements Adapter. Vault metadata in config.json is kept.
func (v *Vault) Clear(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	top, err := v.fs.ReadDir("")
	if err != nil {
		return err
	}
	for _, e := range top {
		if e.Name() == ConfigDir {
			continue
		}
		if err := v.fs.RemoveAll(e.Name()); err != nil {
			return err
		}
	}
	if err := v.fs.RemoveAll(TrashDir); err != nil {
		return err
	}
	v.ids = newIDMap()
	return v.saveIDMapLocked()
}

func validAttachmentName(ownerID, filename string) error {
	for _, part := range []string{ownerID, filename} {
		if part == "" || part != filepath.Base(part) || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return apperr.FS("resolve", assetPath(ownerID, filename), errors.New("invalid attachment name"))
		}
	}
	return nil
}

// placeDirLocked returns the directory for an entity, creating or renaming
// it when its name or parent changed.
func (v *Vault) placeDirLocked(table map[string]string, id, parent, slug string) (string, error) {
	current, exists := table[id]
	if exists && path.Dir(current) == cleanDir(parent) && nameMatches(path.Base(current), slug, "") {
		return current, v.fs.Mkdir(current)
	}
	taken := func(name string) bool {
		p := path.Join(parent, name)
		if exists && p == current {
			return false
		}
		return v.fs.Exists(p) || IsIgnoredPath(p)
	}
	target := path.Join(parent, uniqueName(slug, "", taken))
	if exists && v.fs.Exists(current) {
		if err := v.fs.Move(current, target); err != nil {
			return "", err
		}
		v.ids.repath(current, target)
		return target, nil
	}
	return target, v.fs.Mkdir(target)
}

// placeNoteLocked returns the markdown path for a note, moving an existing
// file (and sidecars) when its title or project changed.
func (v *Vault) placeNoteLocked(id, projDir, slug string) (string, error) {
	current, exists := v.ids.Notes[id]
	if exists && path.Dir(current) == projDir && nameMatches(path.Base(current), slug, NoteExt) {
		return current, nil
	}
	taken := func(name string) bool {
		p := path.Join(projDir, name)
		if exists && p == current {
			return false
		}
		return v.fs.Exists(p)
	}
	target := path.Join(projDir, uniqueName(slug, NoteExt, taken))
	if exists && v.fs.Exists(current) {
		if err := v.fs.Move(current, target); err != nil {
			return "", err
		}
		for _, et := range []models.EditorType{models.EditorBlocks, models.EditorFlowchart} {
			old := sidecarPath(current, string(et))
			if v.fs.Exists(old) {
				if err := v.fs.Move(old, sidecarPath(target, string(et))); err != nil {
					return "", err
				}
			}
		}
	}
	return target, nil
}

func (v *Vault) readNoteLocked(rel string) (*models.Note, error) {
	data, err := v.fs.Read(rel)
	if err != nil {
		return nil, err
	}
	n, _, err := decodeNote(rel, data, func(editorType string) ([]byte, error) {
		return v.fs.Read(sidecarPath(rel, editorType))
	})
	return n, err
}

// adoptNoteLocked fills identity fields of a note read from rel.
func (v *Vault) adoptNoteLocked(n *models.Note, rel string) {
	projDir := path.Dir(rel)
	if id, ok := lookupByPath(v.ids.Projects, projDir); ok {
		n.ProjectID = id
	}
	if id, ok := lookupByPath(v.ids.Systems, path.Dir(projDir)); ok {
		n.SystemID = id
	}
	if n.ID == "" {
		if id, ok := lookupByPath(v.ids.Notes, rel); ok {
			n.ID = id
		}
	}
	if n.CreatedAt == 0 || n.UpdatedAt == 0 {
		v.stampFromDisk(n, rel)
	}
}

func (v *Vault) stampFromDisk(n *models.Note, rel string) {
	abs, err := v.fs.Abs(rel)
	if err != nil {
		return
	}
	ts := time.Now().UnixMilli()
	if info, err := os.Stat(abs); err == nil {
		ts = info.ModTime().UnixMilli()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = ts
	}
	if n.UpdatedAt == 0 {
		n.UpdatedAt = ts
	}
}

// idForPath reuses the id previously mapped to p, or mints a new one.
func (v *Vault) idForPath(table map[string]string, p string) string {
	if id, ok := lookupByPath(table, p); ok {
		return id
	}
	return uuid.NewString()
}

func (v *Vault) loadTrashLocked() ([]models.TrashEntry, error) {
	entries, err := v.fs.ReadDir(TrashDir)
	if err != nil {
		return nil, err
	}
	out := []models.TrashEntry{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var entry models.TrashEntry
		if err := v.readJSON(path.Join(TrashDir, e.Name()), &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeletedAt != out[j].DeletedAt {
			return out[i].DeletedAt < out[j].DeletedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *Vault) readYAML(p string, dst any) error {
	data, err := v.fs.Read(p)
	if err != nil {
		return err
	}
	return decodeYAML(p, data, dst)
}

func (v *Vault) readJSON(p string, dst any) error {
	data, err := v.fs.Read(p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &apperr.SerializationError{Path: p, Format: "json", Err: err}
	}
	return nil
}

func (v *Vault) saveIDMapLocked() error {
	v.config.LastModified = time.Now().UnixMilli()
	if err := v.fs.writeJSON(ConfigFile, v.config); err != nil {
		return err
	}
	return v.fs.writeJSON(IDMapFile, v.ids)
}

// nameMatches reports whether name is slug+ext or a uniqueName variant of it.
func nameMatches(name, slug, ext string) bool {
	if !strings.HasSuffix(name, ext) {
		return false
	}
	stem := strings.TrimSuffix(name, ext)
	if stem == slug {
		return true
	}
	rest, ok := strings.CutPrefix(stem, slug+" ")
	if !ok || rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func cleanDir(parent string) string {
	if parent == "" {
		return "."
	}
	return parent
}

func sameIDMap(a, b *IDMap) bool {
	eq := func(x, y map[string]string) bool {
		if len(x) != len(y) {
			return false
		}
		for k, v := range x {
			if y[k] != v {
				return false
			}
		}
		return true
	}
	return eq(a.Notes, b.Notes) && eq(a.Systems, b.Systems) && eq(a.Projects, b.Projects)
}

func sortSystems(s []models.System) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].CreatedAt != s[j].CreatedAt {
			return s[i].CreatedAt < s[j].CreatedAt
		}
		return s[i].ID < s[j].ID
	})
}

func sortProjects(p []models.Project) {
	sort.SliceStable(p, func(i, j int) bool {
		if p[i].CreatedAt != p[j].CreatedAt {
			return p[i].CreatedAt < p[j].CreatedAt
		}
		return p[i].ID < p[j].ID
	})
}

func sortNotes(n []models.Note) {
	sort.SliceStable(n, func(i, j int) bool {
		if n[i].CreatedAt != n[j].CreatedAt {
			return n[i].CreatedAt < n[j].CreatedAt
		}
		return n[i].ID < n[j].ID
	})
}

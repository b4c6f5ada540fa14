// Package noteservice is the workspace layer. It keeps one storage adapter,
// its relational index and its search index in step, and turns watcher
// events into cache refreshes or conflicts.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/attachment"
	"github.com/starford/kolnoter/internal/conflict"
	"github.com/starford/kolnoter/internal/index"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/notify"
	"github.com/starford/kolnoter/internal/search"
	"github.com/starford/kolnoter/internal/storage"
	"github.com/starford/kolnoter/internal/watcher"
)

// Options selects and configures the workspace opened by Service.Open.
type Options struct {
	Backend   storage.Backend
	VaultPath string
	// CreateVault initialises VaultPath when it holds no vault yet.
	CreateVault bool
	// Store is an already open adapter used instead of Backend/VaultPath.
	// The service takes ownership and closes it.
	Store storage.Adapter
	// IndexPath overrides the SQLite file. Empty means
	// <vault>/.kol-noter/index.db, or an in-memory database for the
	// embedded backend.
	IndexPath string
	Debounce  time.Duration
	// NoWatch skips the filesystem watcher.
	NoWatch bool
	Search  search.Config
}

// Info describes the open workspace.
type Info struct {
	Backend   storage.Backend `json:"backend"`
	VaultPath string          `json:"vaultPath,omitempty"`
	Watching  bool            `json:"watching"`
	Documents int             `json:"searchDocuments"`
}

// workspace is everything bound to one open adapter.
type workspace struct {
	store   storage.Adapter
	vault   *storage.Vault // nil for the embedded backend
	db      *index.DB
	search  *search.Index
	files   *attachment.Manager
	watch   *watcher.Watcher
	unwatch func()

	// syncMu serialises external event handling against Close.
	syncMu sync.Mutex
	closed bool

	stateMu     sync.Mutex
	sums        map[string]string // vault path -> checksum of our last write
	dirty       map[string]*models.Note
	conflicts   map[string]*conflict.Data
	searchDirty bool
}

// Service owns at most one open workspace at a time. Subscriptions made on
// the Service survive switching workspaces.
type Service struct {
	logger *slog.Logger
	now    func() time.Time

	mu sync.RWMutex
	ws *workspace

	changes   *notify.List[models.ExternalChangeEvent]
	conflicts *notify.List[*conflict.Data]
}

// New creates a Service with no workspace open.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:    logger,
		now:       time.Now,
		changes:   notify.New[models.ExternalChangeEvent]("noteservice", logger),
		conflicts: notify.New[*conflict.Data]("noteservice", logger),
	}
}

// Open closes the current workspace, if any, and opens the one described by
// opts. On failure no workspace is open.
func (s *Service) Open(ctx context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws != nil {
		if err := s.closeLocked(); err != nil {
			s.logger.Warn("noteservice: close previous workspace", slog.Any("error", err))
		}
	}
	ws, err := s.open(ctx, opts)
	if err != nil {
		return err
	}
	s.ws = ws
	return nil
}

func (s *Service) open(ctx context.Context, opts Options) (*workspace, error) {
	start := time.Now()
	store, err := openStore(opts, s.logger)
	if err != nil {
		return nil, err
	}
	ws := &workspace{
		store:     store,
		files:     attachment.New(store),
		sums:      make(map[string]string),
		dirty:     make(map[string]*models.Note),
		conflicts: make(map[string]*conflict.Data),
	}
	ws.vault, _ = store.(*storage.Vault)

	dbPath := opts.IndexPath
	if dbPath == "" {
		dbPath = ":memory:"
		if ws.vault != nil {
			dbPath = filepath.Join(ws.vault.Root(), filepath.FromSlash(storage.IndexDBFile))
		}
	}
	if ws.db, err = index.Open(dbPath); err != nil {
		store.Close()
		return nil, err
	}

	fail := func(err error) (*workspace, error) {
		ws.db.Close()
		store.Close()
		return nil, err
	}

	snap, err := store.LoadAll(ctx)
	if err != nil {
		return fail(fmt.Errorf("noteservice: load: %w", err))
	}
	if _, err := index.FullReindex(ctx, ws.db, snapshotSource{snap}, s.logger); err != nil {
		return fail(err)
	}
	ws.search = search.New(opts.Search)
	s.loadSearch(ws, snap)

	if ws.vault != nil && !opts.NoWatch {
		w := watcher.New(watcher.Options{Debounce: opts.Debounce, Logger: s.logger})
		if err := w.Start(ws.vault.Root()); err != nil {
			return fail(err)
		}
		ws.watch = w
		ws.vault.WatchWith(w)
		ws.unwatch = ws.vault.OnExternalChange(func(ev models.ExternalChangeEvent) {
			s.handleExternal(ws, ev)
		})
	}

	s.logger.Info("noteservice: workspace opened",
		slog.String("backend", string(store.Kind())),
		slog.String("index", dbPath),
		slog.Int("notes", len(snap.Notes)),
		slog.Bool("watching", ws.watch != nil),
		slog.Duration("took", time.Since(start)))
	return ws, nil
}

func openStore(opts Options, logger *slog.Logger) (storage.Adapter, error) {
	if opts.Store != nil {
		return opts.Store, nil
	}
	backend := opts.Backend
	if backend == "" {
		backend = storage.BackendEmbedded
		if opts.VaultPath != "" {
			backend = storage.BackendFilesystem
		}
	}
	switch backend {
	case storage.BackendEmbedded:
		return storage.NewMemory(), nil
	case storage.BackendFilesystem:
		if opts.VaultPath == "" {
			return nil, fmt.Errorf("noteservice: filesystem backend needs a vault path")
		}
		return storage.OpenVault(opts.VaultPath, storage.VaultOptions{Create: opts.CreateVault, Logger: logger})
	}
	return nil, fmt.Errorf("noteservice: unknown backend %q", backend)
}

// loadSearch restores the search cache when it matches snap and rebuilds
// otherwise. The embedded backend has nowhere to keep a cache.
func (s *Service) loadSearch(ws *workspace, snap *models.Snapshot) {
	if ws.vault == nil {
		ws.search.Build(snap.Notes, snap.Systems)
		return
	}
	cache := filepath.Join(ws.vault.Root(), filepath.FromSlash(storage.SearchCacheFile))
	err := ws.search.Load(cache)
	if err == nil && maps.Equal(ws.search.Revisions(), revisions(snap)) {
		s.logger.Info("noteservice: search cache loaded", slog.Int("documents", ws.search.Len()))
		return
	}
	switch {
	case err == nil:
		s.logger.Info("noteservice: search cache stale, rebuilding")
	case !errors.Is(err, fs.ErrNotExist):
		s.logger.Warn("noteservice: search cache unusable, rebuilding", slog.Any("error", err))
	}
	ws.search.Build(snap.Notes, snap.Systems)
	s.saveSearch(ws)
}

func (s *Service) saveSearch(ws *workspace) {
	if ws.vault == nil {
		return
	}
	cache := filepath.Join(ws.vault.Root(), filepath.FromSlash(storage.SearchCacheFile))
	if err := ws.search.Save(cache); err != nil {
		s.logger.Warn("noteservice: save search cache", slog.Any("error", err))
		return
	}
	ws.stateMu.Lock()
	ws.searchDirty = false
	ws.stateMu.Unlock()
}

// revisions is what a current search index reports for snap.
func revisions(snap *models.Snapshot) map[string]string {
	out := make(map[string]string, len(snap.Notes)+len(snap.Systems))
	for i := range snap.Systems {
		sys := &snap.Systems[i]
		out[sys.ID] = search.SystemRev(sys)
		for j := range sys.Projects {
			out[sys.Projects[j].ID] = search.ProjectRev(sys.ID, &sys.Projects[j])
		}
	}
	for i := range snap.Notes {
		out[snap.Notes[i].ID] = search.NoteRev(&snap.Notes[i])
	}
	return out
}

// snapshotSource replays an already loaded snapshot into index.FullReindex.
type snapshotSource struct{ snap *models.Snapshot }

func (s snapshotSource) LoadAll(context.Context) (*models.Snapshot, error) { return s.snap, nil }

// Close stops the watcher, flushes the search cache and closes the index and
// the adapter. Closing an idle Service is a no-op.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return nil
	}
	return s.closeLocked()
}

func (s *Service) closeLocked() error {
	ws := s.ws
	s.ws = nil

	if ws.unwatch != nil {
		ws.unwatch()
	}
	if ws.watch != nil {
		ws.watch.Stop()
	}
	ws.syncMu.Lock()
	ws.closed = true
	ws.syncMu.Unlock()

	ws.stateMu.Lock()
	flush := ws.searchDirty
	ws.stateMu.Unlock()
	if flush {
		s.saveSearch(ws)
	}

	var errs []error
	if err := ws.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("noteservice: close store: %w", err))
	}
	if err := ws.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("noteservice: close index: %w", err))
	}
	s.logger.Info("noteservice: workspace closed")
	return errors.Join(errs...)
}

// Info describes the open workspace.
func (s *Service) Info() (Info, error) {
	return withWorkspace(s, func(ws *workspace) (Info, error) {
		info := Info{
			Backend:   ws.store.Kind(),
			Watching:  ws.watch != nil,
			Documents: ws.search.Len(),
		}
		if ws.vault != nil {
			info.VaultPath = ws.vault.Root()
		}
		return info, nil
	})
}

// withWorkspace runs fn against the open workspace under the read lock.
func withWorkspace[T any](s *Service, fn func(ws *workspace) (T, error)) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ws == nil {
		var zero T
		return zero, fmt.Errorf("noteservice: no workspace open: %w", apperr.ErrClosed)
	}
	return fn(s.ws)
}

func (s *Service) do(fn func(ws *workspace) error) error {
	_, err := withWorkspace(s, func(ws *workspace) (struct{}, error) {
		return struct{}{}, fn(ws)
	})
	return err
}

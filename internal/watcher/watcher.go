// Package watcher reports edits made to a vault by other programs. Raw
// fsnotify events are coalesced per path and delivered as
// models.ExternalChangeEvent once the path has been quiet for the debounce
// window.
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/notify"
	"github.com/starford/kolnoter/internal/storage"
)

// DefaultDebounce is used when Options.Debounce is zero.
const DefaultDebounce = 300 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

type pending struct {
	op    models.ChangeType
	item  models.ItemType
	timer *time.Timer
}

// Watcher watches one vault root at a time. Subscribers survive Stop and
// Start.
type Watcher struct {
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	fw      *fsnotify.Watcher
	root    string
	pending map[string]*pending
	known   map[string]struct{}
	stop    chan struct{}
	done    chan struct{}

	subs      *notify.List[models.ExternalChangeEvent]
	deliverMu sync.Mutex
}

// New creates an idle watcher.
func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		debounce: opts.Debounce,
		logger:   opts.Logger,
		subs:     notify.New[models.ExternalChangeEvent]("watcher", opts.Logger),
	}
}

// Start watches root recursively, stopping any previous watch first.
func (w *Watcher) Start(root string) error {
	w.Stop()

	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("watcher: resolve root: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create: %w", err)
	}

	w.mu.Lock()
	w.fw = fw
	w.root = abs
	w.pending = make(map[string]*pending)
	w.known = make(map[string]struct{})
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	if err := w.addDirsRecursive(abs); err != nil {
		w.mu.Unlock()
		fw.Close()
		return fmt.Errorf("watcher: watch %s: %w", abs, err)
	}
	stop, done := w.stop, w.done
	w.mu.Unlock()

	go w.loop(fw, stop, done)
	w.logger.Info("watcher: started", slog.String("root", abs))
	return nil
}

// Stop ends the current watch and drops events that were not delivered yet.
// It is safe to call on an idle watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw, stop, done := w.fw, w.stop, w.done
	if fw == nil {
		w.mu.Unlock()
		return
	}
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.fw = nil
	w.pending = nil
	w.known = nil
	w.mu.Unlock()

	close(stop)
	fw.Close()
	<-done
	w.logger.Info("watcher: stopped")
}

// Root returns the directory being watched, or "" when idle.
func (w *Watcher) Root() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw == nil {
		return ""
	}
	return w.root
}

// Subscribe registers cb and returns its unsubscribe function. Callbacks run
// one at a time, in subscription order.
func (w *Watcher) Subscribe(cb func(models.ExternalChangeEvent)) func() {
	return w.subs.Add(cb)
}

func (w *Watcher) loop(fw *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher: error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw == nil {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if storage.IsIgnoredPath(rel) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if addErr := w.addDirsRecursive(ev.Name); addErr != nil {
				w.logger.Warn("watcher: add new dir failed",
					slog.String("path", rel),
					slog.String("error", addErr.Error()))
			}
			return
		}
	}

	item, ok := Classify(rel)
	if !ok {
		return
	}

	var op models.ChangeType
	switch {
	case ev.Op&fsnotify.Create != 0:
		// Editors that save by writing a temp file and renaming it over the
		// original raise a Create for a path that already existed. That is
		// reported as an update, so created/updated is not purely the
		// fsnotify op.
		op = models.ChangeCreated
		if _, seen := w.known[rel]; seen {
			op = models.ChangeUpdated
		}
		w.known[rel] = struct{}{}
	case ev.Op&fsnotify.Write != 0:
		op = models.ChangeUpdated
		w.known[rel] = struct{}{}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = models.ChangeDeleted
		delete(w.known, rel)
	default:
		return
	}
	w.scheduleLocked(rel, item, op)
}

// scheduleLocked (re)arms the per-path timer. The newest op wins, except
// that writes following a create keep the event a create.
func (w *Watcher) scheduleLocked(rel string, item models.ItemType, op models.ChangeType) {
	if prev, ok := w.pending[rel]; ok {
		prev.timer.Stop()
		if prev.op == models.ChangeCreated && op == models.ChangeUpdated {
			op = models.ChangeCreated
		}
	}
	p := &pending{op: op, item: item}
	p.timer = time.AfterFunc(w.debounce, func() { w.fire(rel, p) })
	w.pending[rel] = p
}

func (w *Watcher) fire(rel string, p *pending) {
	w.mu.Lock()
	if w.pending == nil || w.pending[rel] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, rel)
	w.mu.Unlock()

	ev := models.ExternalChangeEvent{
		Type:      p.op,
		Path:      rel,
		ItemType:  p.item,
		Timestamp: time.Now().UnixMilli(),
	}
	w.logger.Debug("watcher: emitted", slog.String("kind", ev.Kind()), slog.String("path", rel))
	w.deliver(ev)
}

func (w *Watcher) deliver(ev models.ExternalChangeEvent) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()
	w.subs.Emit(ev)
}

// addDirsRecursive adds dir and its subdirectories, skipping vault
// bookkeeping, and records the files already present.
func (w *Watcher) addDirsRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && storage.IsIgnoredPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return w.fw.Add(p)
		}
		w.known[rel] = struct{}{}
		return nil
	})
}

// Classify maps a vault-relative path to the entity kind it stores.
func Classify(rel string) (models.ItemType, bool) {
	if storage.IsIgnoredPath(rel) {
		return "", false
	}
	for _, part := range strings.Split(path.Dir(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return "", false
		}
	}
	switch base := path.Base(rel); {
	case base == storage.SystemMetaFile:
		return models.ItemSystem, true
	case base == storage.ProjectMetaFile:
		return models.ItemProject, true
	case storage.IsNoteFile(base):
		return models.ItemNote, true
	}
	return "", false
}

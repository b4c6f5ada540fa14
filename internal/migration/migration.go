// Package migration copies everything held by one storage adapter into
// another, typically from the embedded store into a new filesystem vault.
// Every write is an upsert, so an interrupted export can simply be rerun.
package migration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/attachment"
	"github.com/starford/kolnoter/internal/datauri"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/storage"
)

// Phase names a stage of an export.
type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhaseSystems   Phase = "systems"
	PhaseProjects  Phase = "projects"
	PhaseNotes     Phase = "notes"
	PhaseTrash     Phase = "trash"
	PhaseCleanup   Phase = "cleanup"
	PhaseComplete  Phase = "complete"
)

// Progress is reported once per exported item and at each phase change.
type Progress struct {
	Phase       Phase  `json:"phase"`
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	CurrentItem string `json:"currentItem,omitempty"`
}

// Options control an export.
type Options struct {
	// ClearSource wipes the source after an export with no errors. Trash
	// is always exported when it is set.
	ClearSource bool
	// IncludeTrash copies trash entries too.
	IncludeTrash bool
	Progress     func(Progress)
}

// Counts tallies entities in a source.
type Counts struct {
	Systems     int `json:"systems"`
	Projects    int `json:"projects"`
	Notes       int `json:"notes"`
	Attachments int `json:"attachments"`
	Trash       int `json:"trash"`
}

// Validation is the pre-flight report of Validate.
type Validation struct {
	Valid  bool     `json:"valid"`
	Counts Counts   `json:"counts"`
	Errors []string `json:"errors"`
}

// Result summarises an export. Success is true only when Errors is empty;
// counts are reported either way.
type Result struct {
	Success             bool     `json:"success"`
	SystemsExported     int      `json:"systemsExported"`
	ProjectsExported    int      `json:"projectsExported"`
	NotesExported       int      `json:"notesExported"`
	AttachmentsExported int      `json:"attachmentsExported"`
	TrashExported       int      `json:"trashExported"`
	SourceCleared       bool     `json:"sourceCleared"`
	Errors              []string `json:"errors"`
}

// Err returns the per-item failures as one error, or nil.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &apperr.MigrationError{Errors: r.Errors}
}

// Exporter reads from Source.
type Exporter struct {
	Source storage.Adapter
	Logger *slog.Logger
}

// New returns an Exporter over src.
func New(src storage.Adapter, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{Source: src, Logger: logger}
}

// Validate loads the source and reports its size and any notes or projects
// that reference a missing parent. Attachments counts inline (data-URI)
// attachments of systems, projects and notes.
func (e *Exporter) Validate(ctx context.Context) (*Validation, error) {
	snap, err := e.Source.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration: validate: %w", err)
	}

	v := &Validation{Errors: []string{}}
	v.Counts = Counts{
		Systems:  len(snap.Systems),
		Projects: snap.ProjectCount(),
		Notes:    len(snap.Notes),
		Trash:    len(snap.Trash),
	}

	owner := make(map[string]string) // project id -> system id
	for _, s := range snap.Systems {
		v.Counts.Attachments += countInline(s.Attachments)
		for _, p := range s.Projects {
			if p.SystemID != "" && p.SystemID != s.ID {
				v.Errors = append(v.Errors, fmt.Sprintf("project %s (%s) lists system %s but is stored under %s", p.ID, p.Name, p.SystemID, s.ID))
			}
			if prev, dup := owner[p.ID]; dup {
				v.Errors = append(v.Errors, fmt.Sprintf("project %s appears in systems %s and %s", p.ID, prev, s.ID))
			}
			owner[p.ID] = s.ID
			v.Counts.Attachments += countInline(p.Attachments)
		}
	}
	for _, n := range snap.Notes {
		v.Counts.Attachments += countInline(n.Attachments)
		sys, ok := owner[n.ProjectID]
		switch {
		case snap.FindSystem(n.SystemID) == nil:
			v.Errors = append(v.Errors, fmt.Sprintf("note %s (%s) references missing system %s", n.ID, n.Title, n.SystemID))
		case !ok:
			v.Errors = append(v.Errors, fmt.Sprintf("note %s (%s) references missing project %s", n.ID, n.Title, n.ProjectID))
		case sys != n.SystemID:
			v.Errors = append(v.Errors, fmt.Sprintf("note %s (%s) is in project %s of system %s, not %s", n.ID, n.Title, n.ProjectID, sys, n.SystemID))
		}
	}
	v.Valid = len(v.Errors) == 0
	return v, nil
}

// countInline counts the data-URI attachments Export moves into asset files.
func countInline(listed map[string]string) int {
	n := 0
	for _, ref := range listed {
		if datauri.Is(ref) {
			n++
		}
	}
	return n
}

type run struct {
	ctx      context.Context
	dest     storage.Adapter
	opts     Options
	res      *Result
	logger   *slog.Logger
	progress Progress
}

func (r *run) phase(p Phase, total int) {
	r.progress = Progress{Phase: p, Total: total}
	r.report("")
}

func (r *run) step(item string) {
	r.progress.Current++
	r.report(item)
}

func (r *run) report(item string) {
	if r.opts.Progress == nil {
		return
	}
	p := r.progress
	p.CurrentItem = item
	r.opts.Progress(p)
}

func (r *run) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.res.Errors = append(r.res.Errors, msg)
	r.logger.Warn("migration: item failed", "phase", r.progress.Phase, "error", msg)
}

// Export copies the source into dest. A failing item is recorded and the
// export continues; only a source that cannot be read or a cancelled ctx
// stops it early. The source is cleared only when opts.ClearSource is set
// and nothing failed.
func (e *Exporter) Export(ctx context.Context, dest storage.Adapter, opts Options) (*Result, error) {
	r := &run{ctx: ctx, dest: dest, opts: opts, res: &Result{Errors: []string{}}, logger: e.Logger}

	r.phase(PhasePreparing, 0)
	snap, err := e.Source.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration: read source: %w", err)
	}
	attachments := attachment.New(dest)

	r.phase(PhaseSystems, len(snap.Systems))
	for i := range snap.Systems {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		s := snap.Systems[i]
		s.Projects = nil
		s.Attachments = r.migrate(attachments, "system", s.ID, s.Attachments)
		if err := dest.SaveSystem(ctx, &s); err != nil {
			r.fail("system %s (%s): %v", s.ID, s.Name, err)
		} else {
			r.res.SystemsExported++
		}
		r.step(s.Name)
	}

	r.phase(PhaseProjects, snap.ProjectCount())
	for _, s := range snap.Systems {
		for j := range s.Projects {
			if err := ctx.Err(); err != nil {
				return r.res, err
			}
			p := s.Projects[j]
			p.Attachments = r.migrate(attachments, "project", p.ID, p.Attachments)
			if err := dest.SaveProject(ctx, s.ID, &p); err != nil {
				r.fail("project %s (%s): %v", p.ID, p.Name, err)
			} else {
				r.res.ProjectsExported++
			}
			r.step(p.Name)
		}
	}

	r.phase(PhaseNotes, len(snap.Notes))
	for i := range snap.Notes {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		n := snap.Notes[i].Clone()
		if r.exportNote(attachments, n) {
			r.res.NotesExported++
		}
		r.step(n.Title)
	}

	// Clearing a source whose trash was left behind would lose it.
	if opts.IncludeTrash || opts.ClearSource {
		r.phase(PhaseTrash, len(snap.Trash))
		for i := range snap.Trash {
			if err := ctx.Err(); err != nil {
				return r.res, err
			}
			entry := snap.Trash[i]
			if r.exportTrash(&entry) {
				r.res.TrashExported++
			}
			r.step(entry.ID)
		}
	}

	r.res.Success = len(r.res.Errors) == 0
	if opts.ClearSource && r.res.Success {
		r.phase(PhaseCleanup, 1)
		if err := e.Source.Clear(ctx); err != nil {
			r.fail("clear source: %v", err)
			r.res.Success = false
		} else {
			r.res.SourceCleared = true
		}
		r.step("source")
	}

	r.phase(PhaseComplete, 0)
	e.Logger.Info("migration: export finished",
		"success", r.res.Success,
		"systems", r.res.SystemsExported,
		"projects", r.res.ProjectsExported,
		"notes", r.res.NotesExported,
		"attachments", r.res.AttachmentsExported,
		"trash", r.res.TrashExported,
		"errors", len(r.res.Errors),
	)
	return r.res, nil
}

func (r *run) exportNote(attachments *attachment.Manager, n *models.Note) bool {
	n.Attachments = r.migrate(attachments, "note", n.ID, n.Attachments)
	if err := r.dest.SaveNote(r.ctx, n); err != nil {
		r.fail("note %s (%s): %v", n.ID, n.Title, err)
		return false
	}
	return true
}

// migrate moves the inline attachments of one owner into dest. Entries that
// fail are reported and dropped so the owner itself still exports.
func (r *run) migrate(attachments *attachment.Manager, kind, ownerID string, inline map[string]string) map[string]string {
	if len(inline) == 0 {
		return inline
	}
	migrated, results := attachments.MigrateInline(r.ctx, ownerID, inline)
	for _, res := range results {
		if res.Success {
			r.res.AttachmentsExported++
		} else {
			r.fail("attachment %s of %s %s: %s", res.Filename, kind, ownerID, res.Error)
		}
	}
	if r.dest.Kind() == storage.BackendEmbedded {
		return migrated
	}
	for name, ref := range migrated {
		if datauri.Is(ref) {
			delete(migrated, name)
		}
	}
	return migrated
}

// exportTrash recreates the trashed note in dest and trashes it there,
// keeping the original deletion time.
func (r *run) exportTrash(entry *models.TrashEntry) bool {
	n, err := entry.Restore()
	if err != nil {
		r.fail("trash %s: %v", entry.ID, err)
		return false
	}
	if err := r.dest.SaveNote(r.ctx, n); err != nil {
		r.fail("trash %s (%s): %v", entry.ID, n.Title, err)
		return false
	}
	if _, err := r.dest.TrashNote(r.ctx, n.ID, entry.DeletedAt); err != nil {
		r.fail("trash %s (%s): %v", entry.ID, n.Title, err)
		return false
	}
	return true
}

// ExportToVault opens (creating if needed) the vault at path and exports
// into it.
func (e *Exporter) ExportToVault(ctx context.Context, path string, opts Options) (*Result, error) {
	dest, err := storage.OpenVault(path, storage.VaultOptions{Create: true, Logger: e.Logger})
	if err != nil {
		return nil, fmt.Errorf("migration: open vault %s: %w", path, err)
	}
	defer dest.Close()
	return e.Export(ctx, dest, opts)
}

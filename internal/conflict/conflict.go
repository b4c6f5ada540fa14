// Package conflict packages a note that changed both in memory and on disk
// since the last sync, and applies the caller's choice of which version
// survives. It never merges content.
package conflict

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kolnoter/internal/models"
)

// Side names one of the two versions.
type Side string

const (
	Local    Side = "local"
	External Side = "external"
)

// Data holds both versions of a conflicting note.
type Data struct {
	NoteID            string       `json:"noteId"`
	Path              string       `json:"path"`
	Title             string       `json:"title"`
	LocalContent      string       `json:"localContent"`
	LocalTimestamp    int64        `json:"localTimestamp"`
	ExternalContent   string       `json:"externalContent"`
	ExternalTimestamp int64        `json:"externalTimestamp"`
	Local             *models.Note `json:"local"`
	External          *models.Note `json:"external"`
}

// Detect returns the conflict between local and external, or nil when both
// carry the same title and content.
func Detect(notePath string, local *models.Note, localTimestamp int64, external *models.Note, externalTimestamp int64) *Data {
	if local == nil || external == nil {
		return nil
	}
	if local.Title == external.Title && bytes.Equal(local.Content, external.Content) {
		return nil
	}
	return &Data{
		NoteID:            local.ID,
		Path:              notePath,
		Title:             local.Title,
		LocalContent:      contentText(local),
		LocalTimestamp:    localTimestamp,
		ExternalContent:   contentText(external),
		ExternalTimestamp: externalTimestamp,
		Local:             local.Clone(),
		External:          external.Clone(),
	}
}

func contentText(n *models.Note) string {
	if n.IsTextEditor() {
		return n.MarkdownContent()
	}
	return string(n.Content)
}

// Newer reports which side was modified last. Ties go to local.
func (d *Data) Newer() Side {
	if d.ExternalIsNewer() {
		return External
	}
	return Local
}

// ExternalIsNewer reports whether the on-disk edit is the most recent one.
func (d *Data) ExternalIsNewer() bool {
	return d.ExternalTimestamp > d.LocalTimestamp
}

// BackupPath derives where the losing version of notePath is preserved
// under keep-both: "<dir>/<stem> (conflict <yyyy-mm-dd hhmmss>).md".
func BackupPath(notePath string, now time.Time) string {
	dir, file := path.Split(notePath)
	ext := path.Ext(file)
	if ext == "" {
		ext = ".md"
	}
	stem := strings.TrimSuffix(file, path.Ext(file))
	return dir + stem + " " + backupSuffix(now) + ext
}

func backupSuffix(now time.Time) string {
	return "(conflict " + now.Format("2006-01-02 150405") + ")"
}

// Resolution is the caller's terminal choice.
type Resolution string

const (
	KeepLocal    Resolution = "keep-local"
	KeepExternal Resolution = "keep-external"
	KeepBoth     Resolution = "keep-both"
)

// ParseResolution validates a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case KeepLocal, KeepExternal, KeepBoth:
		return r, nil
	}
	return "", fmt.Errorf("conflict: unknown resolution %q", s)
}

// Writer persists notes, normally a storage.Adapter.
type Writer interface {
	SaveNote(ctx context.Context, n *models.Note) error
}

// locator is implemented by adapters that know where a note lives.
type locator interface {
	NotePath(id string) (string, bool)
}

// Outcome reports what Resolve wrote.
type Outcome struct {
	Resolution Resolution   `json:"resolution"`
	Kept       *models.Note `json:"kept"`
	// Backup is the preserved external version under KeepBoth.
	Backup     *models.Note `json:"backup,omitempty"`
	BackupPath string       `json:"backupPath,omitempty"`
}

// Resolver applies resolutions through a Writer.
type Resolver struct {
	Writer Writer
	Now    func() time.Time
	NewID  func() string
}

// NewResolver returns a Resolver with the wall clock and random ids.
func NewResolver(w Writer) *Resolver {
	return &Resolver{Writer: w, Now: time.Now, NewID: uuid.NewString}
}

// Resolve applies res to d. KeepExternal writes nothing: the caller reloads
// Outcome.Kept. KeepBoth saves the external version as a new note first,
// so both versions exist before local overwrites the original path.
func (r *Resolver) Resolve(ctx context.Context, d *Data, res Resolution) (*Outcome, error) {
	if d == nil || d.Local == nil || d.External == nil {
		return nil, fmt.Errorf("conflict: resolve: incomplete conflict data")
	}
	now := r.Now()

	switch res {
	case KeepExternal:
		return &Outcome{Resolution: res, Kept: d.External.Clone()}, nil

	case KeepLocal:
		local := r.bump(d.Local, now)
		if err := r.Writer.SaveNote(ctx, local); err != nil {
			return nil, fmt.Errorf("conflict: keep local %s: %w", d.NoteID, err)
		}
		return &Outcome{Resolution: res, Kept: local}, nil

	case KeepBoth:
		backup := d.External.Clone()
		backup.ID = r.NewID()
		backup.Title = strings.TrimSpace(d.External.Title + " " + backupSuffix(now))
		if err := r.Writer.SaveNote(ctx, backup); err != nil {
			return nil, fmt.Errorf("conflict: save backup of %s: %w", d.NoteID, err)
		}
		local := r.bump(d.Local, now)
		if err := r.Writer.SaveNote(ctx, local); err != nil {
			return nil, fmt.Errorf("conflict: keep local %s: %w", d.NoteID, err)
		}
		backupPath := BackupPath(d.Path, now)
		if loc, ok := r.Writer.(locator); ok {
			if p, found := loc.NotePath(backup.ID); found {
				backupPath = p
			}
		}
		return &Outcome{Resolution: res, Kept: local, Backup: backup, BackupPath: backupPath}, nil
	}
	return nil, fmt.Errorf("conflict: unknown resolution %q", res)
}

// bump returns a copy of n whose UpdatedAt is past both versions.
func (r *Resolver) bump(n *models.Note, now time.Time) *models.Note {
	out := n.Clone()
	if ms := now.UnixMilli(); ms > out.UpdatedAt {
		out.UpdatedAt = ms
	}
	return out
}

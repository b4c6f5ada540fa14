// Package attachment stores binary payloads owned by notes through the
// active storage adapter and resolves the references notes carry for them.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kolnoter/internal/datauri"
	"github.com/starford/kolnoter/internal/parser"
	"github.com/starford/kolnoter/internal/storage"
)

const maxStemLen = 40

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Payload is either raw bytes or an inline data URI.
type Payload struct {
	Data   []byte
	Inline string
}

// Bytes wraps raw binary data.
func Bytes(data []byte) Payload { return Payload{Data: data} }

// Inline wraps an already-encoded data URI.
func Inline(uri string) Payload { return Payload{Inline: uri} }

// Result reports the outcome of a single save. Failures are carried in
// Error rather than returned.
type Result struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename"`
	// Path is the reference the owning note should store.
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

// Manager saves and resolves attachments for one adapter.
type Manager struct {
	store  storage.Adapter
	now    func() time.Time
	suffix func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSuffix replaces the random collision suffix generator.
func WithSuffix(fn func() string) Option {
	return func(m *Manager) { m.suffix = fn }
}

// New returns a Manager writing through store.
func New(store storage.Adapter, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    time.Now,
		suffix: randomSuffix,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// GenerateFilename builds "<unix-millis>-<stem>-<suffix><ext>". It is pure:
// the same inputs always give the same name.
func GenerateFilename(now time.Time, original, ext, suffix string) string {
	if ext == "" {
		ext = path.Ext(original)
	}
	if ext == "" {
		ext = ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	stem := strings.TrimSuffix(path.Base(original), path.Ext(original))
	if original == "" {
		stem = ""
	}
	stem = strings.Trim(nonSlugRe.ReplaceAllString(strings.ToLower(stem), "-"), "-")
	if len(stem) > maxStemLen {
		stem = strings.TrimRight(stem[:maxStemLen], "-")
	}
	if stem == "" {
		stem = "attachment"
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + stem + "-" + suffix + strings.ToLower(ext)
}

// GenerateFilename names a new attachment using the manager's clock and
// suffix source.
func (m *Manager) GenerateFilename(original, ext string) string {
	return GenerateFilename(m.now(), original, ext, m.suffix())
}

// Save decodes p, picks a filename when none is given, and stores the bytes
// through the adapter. It never returns an error.
func (m *Manager) Save(ctx context.Context, ownerID string, p Payload, filename string) Result {
	data := p.Data
	mimeType := ""
	if p.Inline != "" {
		var err error
		data, mimeType, err = datauri.Decode(p.Inline)
		if err != nil {
			return Result{Filename: filename, Error: fmt.Sprintf("decode %s: %v", filename, err)}
		}
	}
	if len(data) == 0 {
		return Result{Filename: filename, Error: "empty payload"}
	}
	if mimeType == "" && filename != "" {
		mimeType = datauri.MimeFromFilename(filename)
	}
	if mimeType == "" {
		mimeType = datauri.Sniff(data)
	}

	if filename == "" {
		filename = m.GenerateFilename("", datauri.Extension(mimeType))
	} else {
		filename = cleanFilename(filename, datauri.Extension(mimeType))
	}

	ref, err := m.store.SaveAttachment(ctx, ownerID, filename, data)
	if err != nil {
		return Result{Filename: filename, Error: err.Error()}
	}
	return Result{Success: true, Filename: filename, Path: ref}
}

// cleanFilename keeps a caller-supplied name but strips directories and
// adds an extension when missing.
func cleanFilename(name, ext string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return "attachment" + ext
	}
	if path.Ext(name) == "" {
		name += ext
	}
	return name
}

// ResolveURL returns a renderable reference for ref as it appears in note
// content: the inline payload when the note carries one, else the adapter's
// copy, else ref unchanged.
func (m *Manager) ResolveURL(ctx context.Context, ownerID, ref string, inline map[string]string) string {
	if datauri.Is(ref) || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	name := path.Base(ref)
	if v, ok := inline[ref]; ok && v != "" {
		return v
	}
	if v, ok := inline[name]; ok && v != "" {
		return v
	}
	data, err := m.store.GetAttachment(ctx, ownerID, name)
	if err != nil {
		return ref
	}
	if m.store.Kind() == storage.BackendEmbedded {
		return datauri.Encode(data, datauri.MimeFromFilename(name))
	}
	return path.Join(storage.AssetsDir, ownerID, name)
}

// ResolveContent resolves every embedded reference in content, keyed by the
// reference target.
func (m *Manager) ResolveContent(ctx context.Context, ownerID, content string, inline map[string]string) map[string]string {
	out := make(map[string]string)
	for _, r := range parser.EmbeddedRefs(content) {
		if _, done := out[r.Target]; done {
			continue
		}
		out[r.Target] = m.ResolveURL(ctx, ownerID, r.Target, inline)
	}
	return out
}

// MigrateInline moves every data-URI entry of inline into adapter storage
// and returns the rewritten map with one Result per migrated entry. Entries
// that fail keep their inline payload. With the embedded backend the map is
// returned unchanged.
func (m *Manager) MigrateInline(ctx context.Context, ownerID string, inline map[string]string) (map[string]string, []Result) {
	out := make(map[string]string, len(inline))
	for k, v := range inline {
		out[k] = v
	}
	if m.store.Kind() == storage.BackendEmbedded {
		return out, nil
	}

	names := make([]string, 0, len(inline))
	for k, v := range inline {
		if datauri.Is(v) {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	results := make([]Result, 0, len(names))
	for _, name := range names {
		res := m.Save(ctx, ownerID, Inline(inline[name]), name)
		results = append(results, res)
		if res.Success {
			out[name] = res.Path
		}
	}
	return out, results
}

// Failed collects the error strings of unsuccessful results.
func Failed(results []Result) []error {
	var errs []error
	for _, r := range results {
		if !r.Success {
			errs = append(errs, errors.New(r.Filename+": "+r.Error))
		}
	}
	return errs
}

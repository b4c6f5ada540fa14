package search

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/starford/kolnoter/internal/checksum"
	"github.com/starford/kolnoter/internal/models"
)

// Document is the searchable projection of a note, system or project.
type Document struct {
	ID        string          `json:"id"`
	Type      models.ItemType `json:"type"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Tags      []string        `json:"tags"`
	SystemID  string          `json:"systemId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	UpdatedAt int64           `json:"updatedAt"`
	// Rev fingerprints the source fields the document was built from.
	Rev string `json:"rev"`
}

// NoteDocument projects a note. Markdown is flattened to plain text and
// structured editor content contributes its string values.
func NoteDocument(n *models.Note) Document {
	var content string
	if n.IsTextEditor() {
		content = FlattenMarkdown(n.MarkdownContent())
	} else {
		content = FlattenJSON(n.Content)
	}
	return Document{
		ID:        n.ID,
		Type:      models.ItemNote,
		Title:     n.Title,
		Content:   content,
		Tags:      n.Tags,
		SystemID:  n.SystemID,
		ProjectID: n.ProjectID,
		UpdatedAt: n.UpdatedAt,
		Rev:       NoteRev(n),
	}
}

// SystemDocument projects a system without its projects.
func SystemDocument(s *models.System) Document {
	return Document{
		ID:        s.ID,
		Type:      models.ItemSystem,
		Title:     s.Name,
		Content:   joinNonEmpty(s.Description, s.DetailNotes),
		Tags:      s.Tags,
		SystemID:  s.ID,
		UpdatedAt: s.UpdatedAt,
		Rev:       SystemRev(s),
	}
}

// ProjectDocument projects a project owned by systemID.
func ProjectDocument(systemID string, p *models.Project) Document {
	return Document{
		ID:        p.ID,
		Type:      models.ItemProject,
		Title:     p.Name,
		Content:   joinNonEmpty(p.Description, p.DetailNotes),
		Tags:      p.Tags,
		SystemID:  systemID,
		ProjectID: p.ID,
		UpdatedAt: p.UpdatedAt,
		Rev:       ProjectRev(systemID, p),
	}
}

// NoteRev, SystemRev and ProjectRev fingerprint the fields a document is
// derived from without flattening any content.
func NoteRev(n *models.Note) string {
	return rev(n.Title, string(n.EditorType), string(n.Content), strings.Join(n.Tags, "\x1f"), n.SystemID, n.ProjectID)
}

func SystemRev(s *models.System) string {
	return rev(s.Name, s.Description, s.DetailNotes, strings.Join(s.Tags, "\x1f"))
}

func ProjectRev(systemID string, p *models.Project) string {
	return rev(p.Name, p.Description, p.DetailNotes, strings.Join(p.Tags, "\x1f"), systemID)
}

func rev(fields ...string) string {
	return checksum.Fields(fields...)
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

var md = goldmark.New()

// FlattenMarkdown returns the readable text of a markdown body, one line per
// block, without markup.
func FlattenMarkdown(src string) string {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var b bytes.Buffer
	newline := func() {
		b.Truncate(len(bytes.TrimRight(b.Bytes(), " ")))
		if b.Len() > 0 && !bytes.HasSuffix(b.Bytes(), []byte("\n")) {
			b.WriteByte('\n')
		}
	}
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(source))
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			newline()
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		default:
			if n.Type() == ast.TypeBlock {
				newline()
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// keys that identify structure rather than carry user text.
var structuralKeys = map[string]bool{"id": true, "type": true}

// FlattenJSON collects the string leaves of structured content in key order.
func FlattenJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, s)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				if !structuralKeys[k] {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		}
	}
	walk(v)
	return strings.Join(out, "\n")
}

package storage

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/models"
	"github.com/starford/kolnoter/internal/parser"
)

// noteFile is the frontmatter shape of a note's markdown file.
type noteFile struct {
	models.Note `yaml:",inline"`
	Pages       string `yaml:"pages,omitempty"`
}

// encodeNote renders the markdown file and, for non-text editors, the
// sidecar holding the structured content.
func encodeNote(path string, n *models.Note) (md []byte, sidecar []byte, err error) {
	nf := noteFile{Note: *n}
	if len(n.Pages) > 0 {
		nf.Pages = string(n.Pages)
	}
	fm, err := yaml.Marshal(&nf)
	if err != nil {
		return nil, nil, &apperr.SerializationError{Path: path, Format: "yaml", Err: err}
	}

	var body string
	if n.IsTextEditor() {
		body = n.MarkdownContent()
	} else {
		var b strings.Builder
		b.WriteString("# ")
		b.WriteString(n.Title)
		b.WriteString("\n")
		if n.Preview != "" {
			b.WriteString("\n")
			b.WriteString(n.Preview)
			b.WriteString("\n")
		}
		body = b.String()
		sidecar = n.Content
		if len(sidecar) == 0 {
			sidecar = []byte("[]")
		}
	}
	return parser.JoinFrontmatter(fm, body), sidecar, nil
}

// decodeNote parses a note file. readSidecar is called for non-text editor
// types. Files without frontmatter are notes written by another tool: their
// title comes from the first heading or the filename and their tags from
// inline #tags.
func decodeNote(path string, data []byte, readSidecar func(editorType string) ([]byte, error)) (*models.Note, bool, error) {
	res := parser.Parse(data)
	if res.Frontmatter == nil {
		n := &models.Note{
			Title:      res.Title,
			EditorType: models.EditorMarkdown,
			Tags:       res.Tags,
		}
		if n.Title == "" {
			n.Title = parser.TitleFromFilename(path)
		}
		if n.Tags == nil {
			n.Tags = []string{}
		}
		n.SetMarkdownContent(res.Body)
		return n, false, nil
	}

	var nf noteFile
	if err := yaml.Unmarshal(res.Frontmatter, &nf); err != nil {
		return nil, true, &apperr.SerializationError{Path: path, Format: "yaml", Err: err}
	}
	n := nf.Note
	if nf.Pages != "" {
		if !json.Valid([]byte(nf.Pages)) {
			return nil, true, &apperr.SerializationError{Path: path, Format: "json", Err: errInvalidPages}
		}
		n.Pages = json.RawMessage(nf.Pages)
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	if n.EditorType == "" {
		n.EditorType = models.EditorMarkdown
	}

	if n.IsTextEditor() {
		n.SetMarkdownContent(res.Body)
		return &n, true, nil
	}

	raw, err := readSidecar(string(n.EditorType))
	if err != nil {
		return nil, true, err
	}
	if !json.Valid(raw) {
		return nil, true, &apperr.SerializationError{Path: sidecarPath(path, string(n.EditorType)), Format: "json", Err: errInvalidSidecar}
	}
	n.Content = json.RawMessage(raw)
	return &n, true, nil
}

func encodeYAML(path string, v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, &apperr.SerializationError{Path: path, Format: "yaml", Err: err}
	}
	return data, nil
}

func decodeYAML(path string, data []byte, v any) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		return &apperr.SerializationError{Path: path, Format: "yaml", Err: err}
	}
	return nil
}

// Package parser splits vault markdown files into frontmatter and body and
// enumerates the references embedded in note content.
package parser

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	wikiEmbedRe  = regexp.MustCompile(`!\[\[([^\]\n]+?)\]\]`)
	imageEmbedRe = regexp.MustCompile(`!\[([^\]\n]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	tagRe        = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
)

// Result holds the output of parsing a markdown file.
type Result struct {
	// Frontmatter is the raw YAML between the leading --- fences, nil when absent.
	Frontmatter []byte
	Body        string
	Tags        []string
	Title       string
}

// Parse extracts frontmatter, body, inline tags and a display title.
// Invalid YAML frontmatter is treated as body text.
func Parse(data []byte) *Result {
	fm, body := SplitFrontmatter(data)
	return &Result{
		Frontmatter: fm,
		Body:        body,
		Tags:        extractTags(body),
		Title:       deriveTitle(body),
	}
}

// SplitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the markdown body. If no valid frontmatter is found the entire content
// is body.
func SplitFrontmatter(data []byte) ([]byte, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var probe map[string]any
	if err := yaml.Unmarshal(yamlBlock, &probe); err != nil {
		return nil, string(data)
	}
	return bytes.TrimLeft(yamlBlock, "\n\r"), body
}

// JoinFrontmatter renders a markdown file from a YAML block and a body.
func JoinFrontmatter(fm []byte, body string) []byte {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(fm)
	if len(fm) > 0 && fm[len(fm)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString("---\n")
	buf.WriteString(body)
	return buf.Bytes()
}

// extractTags collects inline #tags from the body, deduplicated in order.
func extractTags(body string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		t := m[1]
		if _, dup := seen[t]; !dup {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// deriveTitle returns the first H1 heading, otherwise empty string.
func deriveTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// TitleFromFilename turns "meeting-notes.md" into "meeting-notes".
func TitleFromFilename(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

package parser

import (
	"sort"
	"strings"
)

// RefStyle distinguishes the two embedded reference syntaxes.
type RefStyle string

const (
	RefWiki     RefStyle = "wiki"     // ![[filename]]
	RefMarkdown RefStyle = "markdown" // ![alt](path)
)

// Ref is one embedded reference found in note content.
type Ref struct {
	Style  RefStyle
	Target string
	Alt    string
	// Start and End are byte offsets of the whole reference in the content.
	Start int
	End   int
}

// EmbeddedRefs enumerates every embedded image/file reference in content in
// order of appearance. It never modifies content.
func EmbeddedRefs(content string) []Ref {
	var out []Ref
	for _, m := range wikiEmbedRe.FindAllStringSubmatchIndex(content, -1) {
		target := content[m[2]:m[3]]
		// ![[file.png|300]] carries a display size after the pipe.
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		out = append(out, Ref{Style: RefWiki, Target: target, Start: m[0], End: m[1]})
	}
	for _, m := range imageEmbedRe.FindAllStringSubmatchIndex(content, -1) {
		out = append(out, Ref{
			Style:  RefMarkdown,
			Alt:    content[m[2]:m[3]],
			Target: content[m[4]:m[5]],
			Start:  m[0],
			End:    m[1],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

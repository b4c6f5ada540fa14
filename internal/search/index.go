// Package search keeps an in-memory inverted index over notes, systems and
// projects, with ranked fuzzy/prefix queries, autocomplete and an on-disk
// cache that lets a vault skip the rebuild on open.
package search

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/starford/kolnoter/internal/models"
)

// Field is an indexed document field.
type Field string

const (
	FieldTitle   Field = "title"
	FieldTags    Field = "tags"
	FieldContent Field = "content"
)

// Field boosts and match factors.
const (
	titleBoost   = 3
	tagsBoost    = 2
	contentBoost = 1

	exactFactor  = 1.0
	prefixFactor = 0.8
	fuzzyFactor  = 0.5
)

const (
	defaultLimit   = 20
	minFuzzyLength = 3
	previewLen     = 160
	previewLead    = 40
)

// freqs counts a term's occurrences per field of one document.
type freqs struct {
	Title   int `json:"t,omitempty"`
	Tags    int `json:"g,omitempty"`
	Content int `json:"c,omitempty"`
}

func (f freqs) weight() float64 {
	return float64(f.Title*titleBoost + f.Tags*tagsBoost + f.Content*contentBoost)
}

// Config tunes matching. Fuzzy is the maximum edit distance for fuzzy
// matches; zero disables them. Limit caps results when a query sets none.
type Config struct {
	Fuzzy int
	Limit int
}

// Index is safe for concurrent use.
type Index struct {
	cfg Config

	mu       sync.RWMutex
	docs     map[string]*Document
	postings map[string]map[string]freqs
	vocab    []string // sorted keys of postings
}

// New returns an empty index.
func New(cfg Config) *Index {
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Fuzzy < 0 {
		cfg.Fuzzy = 0
	}
	return &Index{
		cfg:      cfg,
		docs:     make(map[string]*Document),
		postings: make(map[string]map[string]freqs),
	}
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Document returns the indexed projection of id.
func (ix *Index) Document(id string) (Document, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	d, ok := ix.docs[id]
	if !ok {
		return Document{}, false
	}
	return *d, true
}

// Build replaces the whole index. Each project becomes a document owned by
// its system.
func (ix *Index) Build(notes []models.Note, systems []models.System) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.docs = make(map[string]*Document, len(notes)+len(systems))
	ix.postings = make(map[string]map[string]freqs)
	ix.vocab = nil
	for i := range systems {
		s := &systems[i]
		ix.addLocked(SystemDocument(s))
		for j := range s.Projects {
			ix.addLocked(ProjectDocument(s.ID, &s.Projects[j]))
		}
	}
	for i := range notes {
		ix.addLocked(NoteDocument(&notes[i]))
	}
}

// UpdateNote reindexes one note.
func (ix *Index) UpdateNote(n *models.Note) { ix.Put(NoteDocument(n)) }

// UpdateSystem reindexes a system's own document. Its projects are updated
// through UpdateProject.
func (ix *Index) UpdateSystem(s *models.System) { ix.Put(SystemDocument(s)) }

// UpdateProject reindexes one project.
func (ix *Index) UpdateProject(systemID string, p *models.Project) {
	ix.Put(ProjectDocument(systemID, p))
}

// Put removes any document with d.ID and inserts d.
func (ix *Index) Put(d Document) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(d.ID)
	ix.addLocked(d)
}

// Remove drops a document, reporting whether it was indexed.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.removeLocked(id)
}

// RemoveWhere drops every document for which match returns true and reports
// how many were removed.
func (ix *Index) RemoveWhere(match func(Document) bool) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var ids []string
	for id, d := range ix.docs {
		if match(*d) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		ix.removeLocked(id)
	}
	return len(ids)
}

// Revisions maps every indexed id to its Rev. Comparing it with the source
// tells whether a loaded cache is current.
func (ix *Index) Revisions() map[string]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]string, len(ix.docs))
	for id, d := range ix.docs {
		out[id] = d.Rev
	}
	return out
}

func docFreqs(d *Document) map[string]freqs {
	out := make(map[string]freqs)
	for _, t := range terms(d.Title) {
		f := out[t]
		f.Title++
		out[t] = f
	}
	for _, t := range terms(strings.Join(d.Tags, " ")) {
		f := out[t]
		f.Tags++
		out[t] = f
	}
	for _, t := range terms(d.Content) {
		f := out[t]
		f.Content++
		out[t] = f
	}
	return out
}

func (ix *Index) addLocked(d Document) {
	ix.docs[d.ID] = &d
	for term, f := range docFreqs(&d) {
		p, ok := ix.postings[term]
		if !ok {
			p = make(map[string]freqs)
			ix.postings[term] = p
			i, _ := slices.BinarySearch(ix.vocab, term)
			ix.vocab = slices.Insert(ix.vocab, i, term)
		}
		p[d.ID] = f
	}
}

func (ix *Index) removeLocked(id string) bool {
	d, ok := ix.docs[id]
	if !ok {
		return false
	}
	delete(ix.docs, id)
	for term := range docFreqs(d) {
		p := ix.postings[term]
		delete(p, id)
		if len(p) == 0 {
			delete(ix.postings, term)
			if i, found := slices.BinarySearch(ix.vocab, term); found {
				ix.vocab = slices.Delete(ix.vocab, i, i+1)
			}
		}
	}
	return true
}

// Options filter and cap a query. Filters apply after matching.
type Options struct {
	Types     []models.ItemType
	SystemID  string
	ProjectID string
	Limit     int
}

// Match is a span of a field that matched a query term. Tags spans index
// into the tags joined by single spaces.
type Match struct {
	Field Field  `json:"field"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Term  string `json:"term"`
}

// Hit is one ranked search result.
type Hit struct {
	ID        string          `json:"id"`
	Type      models.ItemType `json:"type"`
	Title     string          `json:"title"`
	SystemID  string          `json:"systemId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Score     float64         `json:"score"`
	Preview   string          `json:"preview"`
	Matches   []Match         `json:"matches"`
}

type candidate struct {
	term   string
	factor float64
}

// candidatesLocked returns the indexed terms matching q, in term order.
func (ix *Index) candidatesLocked(q string) []candidate {
	var out []candidate
	chosen := make(map[string]bool)
	for i := sort.SearchStrings(ix.vocab, q); i < len(ix.vocab) && strings.HasPrefix(ix.vocab[i], q); i++ {
		t := ix.vocab[i]
		factor := prefixFactor
		if t == q {
			factor = exactFactor
		}
		out = append(out, candidate{term: t, factor: factor})
		chosen[t] = true
	}
	if ix.cfg.Fuzzy > 0 && runeLen(q) >= minFuzzyLength {
		ql := runeLen(q)
		for _, t := range ix.vocab {
			if chosen[t] {
				continue
			}
			if d := runeLen(t) - ql; d > ix.cfg.Fuzzy || -d > ix.cfg.Fuzzy {
				continue
			}
			if levenshtein.ComputeDistance(q, t) <= ix.cfg.Fuzzy {
				out = append(out, candidate{term: t, factor: fuzzyFactor})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].term < out[j].term })
	return out
}

// Search ranks documents against every term of query. A document matching
// any term is a hit. Equal scores are ordered by id.
func (ix *Index) Search(query string, opts Options) []Hit {
	qterms := uniqueTerms(query)
	if len(qterms) == 0 {
		return nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = ix.cfg.Limit
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	scores := make(map[string]float64)
	matched := make(map[string]map[string]bool)
	for _, q := range qterms {
		for _, c := range ix.candidatesLocked(q) {
			for id, f := range ix.postings[c.term] {
				scores[id] += c.factor * f.weight()
				if matched[id] == nil {
					matched[id] = make(map[string]bool)
				}
				matched[id][c.term] = true
			}
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		d := ix.docs[id]
		if !opts.accepts(d) {
			continue
		}
		hits = append(hits, Hit{
			ID:        d.ID,
			Type:      d.Type,
			Title:     d.Title,
			SystemID:  d.SystemID,
			ProjectID: d.ProjectID,
			Score:     score,
			Matches:   matchSpans(d, matched[id]),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	for i := range hits {
		hits[i].Preview = preview(ix.docs[hits[i].ID].Content, hits[i].Matches)
	}
	return hits
}

func (o Options) accepts(d *Document) bool {
	if len(o.Types) > 0 && !slices.Contains(o.Types, d.Type) {
		return false
	}
	if o.SystemID != "" && d.SystemID != o.SystemID {
		return false
	}
	if o.ProjectID != "" && d.ProjectID != o.ProjectID {
		return false
	}
	return true
}

func uniqueTerms(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range terms(s) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func matchSpans(d *Document, set map[string]bool) []Match {
	var out []Match
	add := func(field Field, s string) {
		for _, tok := range tokenize(s) {
			if set[tok.Term] {
				out = append(out, Match{Field: field, Start: tok.Start, End: tok.End, Term: tok.Term})
			}
		}
	}
	add(FieldTitle, d.Title)
	add(FieldTags, strings.Join(d.Tags, " "))
	add(FieldContent, d.Content)
	return out
}

// preview returns a window of content around the first content match, or
// its beginning when only other fields matched.
func preview(content string, matches []Match) string {
	start := 0
	for _, m := range matches {
		if m.Field == FieldContent {
			start = max(0, m.Start-previewLead)
			break
		}
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	end := min(len(content), start+previewLen)
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}
	out := strings.Join(strings.Fields(content[start:end]), " ")
	if start > 0 {
		out = "..." + out
	}
	if end < len(content) {
		out += "..."
	}
	return out
}

// Suggestion is one autocomplete completion.
type Suggestion struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// Suggest completes the last term of query with indexed terms, most
// frequent first. Earlier terms are kept as typed.
func (ix *Index) Suggest(query string, limit int) []Suggestion {
	toks := tokenize(query)
	if len(toks) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}
	last := toks[len(toks)-1]
	head := query[:last.Start]

	ix.mu.RLock()
	var out []Suggestion
	for i := sort.SearchStrings(ix.vocab, last.Term); i < len(ix.vocab) && strings.HasPrefix(ix.vocab[i], last.Term); i++ {
		t := ix.vocab[i]
		out = append(out, Suggestion{Text: head + t, Count: len(ix.postings[t])})
	}
	ix.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

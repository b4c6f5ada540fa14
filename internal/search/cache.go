package search

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/starford/kolnoter/internal/apperr"
)

// CacheVersion tags the serialized layout. Bump it whenever tokenizing,
// flattening or the file shape changes.
const CacheVersion = 1

// ErrCacheVersion is returned by Load when the cache was written by a
// different layout. Callers rebuild and re-save.
var ErrCacheVersion = errors.New("search: cache version mismatch")

type cacheFile struct {
	Version   int                         `json:"version"`
	Documents []Document                  `json:"documents"`
	Postings  map[string]map[string]freqs `json:"postings"`
}

// Save writes the index to path atomically.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	cf := cacheFile{
		Version:   CacheVersion,
		Documents: make([]Document, 0, len(ix.docs)),
		Postings:  ix.postings,
	}
	for _, d := range ix.docs {
		cf.Documents = append(cf.Documents, *d)
	}
	sort.Slice(cf.Documents, func(i, j int) bool { return cf.Documents[i].ID < cf.Documents[j].ID })
	data, err := json.Marshal(&cf)
	ix.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("search: encode cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("search: save cache: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("search: save cache: %w", err)
	}
	return nil
}

// Load replaces the index with the cache at path. A missing file returns an
// error matching fs.ErrNotExist; a foreign layout returns ErrCacheVersion.
// On any error the index is left untouched.
func (ix *Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("search: load cache: %w", err)
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return &apperr.SerializationError{Path: path, Format: "json", Err: err}
	}
	if cf.Version != CacheVersion {
		return fmt.Errorf("%w: file has %d, want %d", ErrCacheVersion, cf.Version, CacheVersion)
	}

	docs := make(map[string]*Document, len(cf.Documents))
	for i := range cf.Documents {
		d := cf.Documents[i]
		docs[d.ID] = &d
	}
	postings := cf.Postings
	if postings == nil {
		postings = make(map[string]map[string]freqs)
	}
	vocab := make([]string, 0, len(postings))
	for term, p := range postings {
		for id := range p {
			if _, ok := docs[id]; !ok {
				return &apperr.SerializationError{Path: path, Format: "json",
					Err: fmt.Errorf("posting %q references unknown document %s", term, id)}
			}
		}
		vocab = append(vocab, term)
	}
	sort.Strings(vocab)

	ix.mu.Lock()
	ix.docs, ix.postings, ix.vocab = docs, postings, vocab
	ix.mu.Unlock()
	return nil
}

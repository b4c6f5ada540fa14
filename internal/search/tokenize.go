package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// token is a lowercased term with its byte span in the source text.
type token struct {
	Term       string
	Start, End int
}

// tokenize splits s on every rune that is neither a letter nor a digit.
func tokenize(s string) []token {
	var out []token
	start := -1
	for i, r := range s {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case word && start < 0:
			start = i
		case !word && start >= 0:
			out = append(out, token{Term: strings.ToLower(s[start:i]), Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, token{Term: strings.ToLower(s[start:]), Start: start, End: len(s)})
	}
	return out
}

// terms returns just the lowercased terms of s.
func terms(s string) []string {
	toks := tokenize(s)
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Term
	}
	return out
}

// runeLen is the term length used by the fuzzy threshold.
func runeLen(s string) int { return utf8.RuneCountInString(s) }

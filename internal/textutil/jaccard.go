// Package textutil provides the small set of text-similarity primitives
// shared by the lesson store (dedup/conflict detection) and the retriever
// (text similarity, tag overlap). It intentionally has no third-party
// dependency: token-set Jaccard over a short stop-word list is a handful of
// lines of stdlib string handling, and no library in the example corpus
// offers this narrow a primitive without pulling in a full NLP or
// vector-search stack the spec explicitly excludes (see DESIGN.md).
package textutil

import "strings"

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "of": true, "to": true,
	"in": true, "on": true, "and": true, "or": true, "it": true, "this": true,
	"that": true, "be": true, "for": true, "with": true, "as": true, "at": true,
}

// Tokenize lowercases, splits on non-alphanumeric runs, and drops stop words
// and empty tokens.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TokenSet returns the deduplicated token set for s.
func TokenSet(s string) map[string]bool {
	tokens := Tokenize(s)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// JaccardText returns token-set Jaccard similarity between two strings.
func JaccardText(a, b string) float64 {
	return JaccardSets(TokenSet(a), TokenSet(b))
}

// JaccardStrings returns Jaccard similarity between two string slices treated
// as sets (used for tag overlap where elements are already discrete labels).
func JaccardStrings(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, v := range a {
		setA[v] = true
	}
	setB := make(map[string]bool, len(b))
	for _, v := range b {
		setB[v] = true
	}
	return JaccardSets(setA, setB)
}

// JaccardSets computes |intersection| / |union| for two sets. Two empty sets
// are defined as similarity 0 (no overlap to claim), matching "retrieval
// tolerates empty tag sets" rather than treating them as identical.
func JaccardSets(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

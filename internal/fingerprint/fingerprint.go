// Package fingerprint normalizes failure text, the attempted action and
// surrounding state into a stable key so recurrence across sessions is
// detectable, and extracts a small generic tag set from the same input.
//
// Fingerprinting never fails: malformed or empty input degrades to a
// well-defined fallback fingerprint rather than an error, because the step
// loop must be able to call it unconditionally on the failure path.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Unspecified is the fallback fingerprint body for malformed input.
const Unspecified = "unspecified"

var (
	quotedStringRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	hexOrUUIDRe    = regexp.MustCompile(`\b[0-9a-f]{8}(?:-[0-9a-f]{4}){3}-[0-9a-f]{12}\b|\b0x[0-9a-f]+\b`)
	timestampRe    = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?z?\b`)
	filePathRe     = regexp.MustCompile(`(?:/[\w.\-]+){2,}|[a-z]:\\(?:[\w.\-]+\\?)+`)
	lineColRe      = regexp.MustCompile(`\bline\s+\d+(?:,\s*col(?:umn)?\s+\d+)?\b|:\d+:\d+\b`)
	multiDigitRe   = regexp.MustCompile(`\b\d{2,}\b`)
	whitespaceRe   = regexp.MustCompile(`\s+`)

	// structuralVocab is preserved verbatim through normalization; matching it
	// here only documents the contract, normalize() never strips these words.
	structuralVocab = []string{
		"syntax", "unknown", "missing", "expected", "not found", "stuck",
		"no_progress", "constraint_failed",
	}

	// tagPatterns maps a fixed vocabulary of generic tags to substrings found
	// in the normalized text or the action shape. Tags are hints: retrieval
	// must tolerate an empty tag set.
	tagPatterns = []struct {
		tag      string
		patterns []string
	}{
		{"syntax_structure", []string{"syntax", "unexpected token", "parse error"}},
		{"unknown_symbol", []string{"unknown", "undefined", "not recognized"}},
		{"path_quote", []string{"quote", "quoting", "unterminated"}},
		{"operator_mismatch", []string{"operator", ">", "<", "gt", "lt", "eq"}},
		{"function_case", []string{"case", "uppercase", "lowercase"}},
		{"sort_direction", []string{"ascending", "descending", "sort"}},
		{"no_progress", []string{"no_progress", "stuck", "no progress"}},
		{"constraint_failed", []string{"constraint_failed", "constraint"}},
	}
)

var _ = structuralVocab // referenced only in documentation above

// Result is the output of a fingerprinting call.
type Result struct {
	Fingerprint string
	Tags        []string
}

// Input carries everything the fingerprinter may normalize over.
type Input struct {
	ToolFamily     string
	ErrorText      string
	ActionPayload  string
	BeforeStateSig string
	AfterStateSig  string
	Reason         string
}

// Fingerprint produces a stable key and tag set for one failed step. It never
// returns an error; on input it cannot make sense of, it returns
// "<tool_family>:unspecified" with no tags.
func Fingerprint(in Input) Result {
	family := toolFamily(in.ToolFamily)

	if strings.TrimSpace(in.ErrorText) == "" {
		return fingerprintNoProgress(family, in)
	}

	residual := normalize(in.ErrorText)
	if residual == "" {
		return Result{Fingerprint: family + ":" + Unspecified}
	}

	tags := extractTags(residual, in.ActionPayload)
	return Result{
		Fingerprint: family + ":" + residual,
		Tags:        tags,
	}
}

func fingerprintNoProgress(family string, in Input) Result {
	before := shortHash(in.BeforeStateSig)
	after := shortHash(in.AfterStateSig)
	shape := actionShape(in.ActionPayload)
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "no_progress"
	}
	fp := family + ":" + before + "|" + shape + "|" + after + "|" + normalizeWord(reason)
	return Result{
		Fingerprint: fp,
		Tags:        extractTags(reason, in.ActionPayload),
	}
}

func toolFamily(family string) string {
	family = strings.TrimSpace(strings.ToLower(family))
	if family == "" {
		return Unspecified
	}
	return whitespaceRe.ReplaceAllString(family, "_")
}

// normalize lowercases, strips volatile literals and collapses whitespace,
// per the Fingerprint contract (spec 4.1 steps 1-4).
func normalize(text string) string {
	s := strings.ToLower(text)
	s = timestampRe.ReplaceAllString(s, " ")
	s = hexOrUUIDRe.ReplaceAllString(s, " ")
	s = filePathRe.ReplaceAllString(s, " ")
	s = lineColRe.ReplaceAllString(s, " ")
	s = quotedStringRe.ReplaceAllString(s, " ")
	s = multiDigitRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func normalizeWord(s string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
}

func actionShape(payload string) string {
	// Shape means structure, not content: length bucket + whether it looks
	// like a key/value payload. This deliberately ignores literal values so
	// two structurally-identical failing actions collide.
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return "empty"
	}
	hasColon := strings.Contains(trimmed, ":")
	hasBrace := strings.ContainsAny(trimmed, "{}[]")
	switch {
	case hasBrace:
		return "structured"
	case hasColon:
		return "kv"
	default:
		return "scalar"
	}
}

func shortHash(s string) string {
	if s == "" {
		return "nil"
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

func extractTags(residual, actionPayload string) []string {
	hay := residual + " " + strings.ToLower(actionPayload)
	seen := make(map[string]bool)
	var tags []string
	for _, tp := range tagPatterns {
		for _, p := range tp.patterns {
			if strings.Contains(hay, p) {
				if !seen[tp.tag] {
					seen[tp.tag] = true
					tags = append(tags, tp.tag)
				}
				break
			}
		}
	}
	return tags
}

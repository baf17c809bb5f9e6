// Package models defines the on-disk data model shared across the memory
// subsystem: lessons, error events and per-session metrics.
package models

import "time"

// SchemaVersion is embedded in every persisted record so future readers can
// detect and migrate older encodings. Unknown fields are always tolerated by
// encoding/json on decode; this field is for readers that want to branch on
// it explicitly.
const SchemaVersion = 1

// LessonStatus is the lifecycle state of a Lesson. A lesson is never hard
// deleted; it only moves forward through this state machine.
type LessonStatus string

const (
	LessonCandidate  LessonStatus = "candidate"
	LessonPromoted   LessonStatus = "promoted"
	LessonSuppressed LessonStatus = "suppressed"
	LessonArchived   LessonStatus = "archived"
)

// Lesson is the primary persisted entity: a rule distilled from one or more
// sessions, with triggers, lifecycle status and utility counters.
type Lesson struct {
	SchemaVersion int          `json:"schema_version"`
	ID            string       `json:"id"`
	Status        LessonStatus `json:"status"`
	RuleText      string       `json:"rule_text"`

	// TriggerFingerprints is the set of fingerprints this lesson addresses.
	TriggerFingerprints []string `json:"trigger_fingerprints"`

	// SystemTags are trusted, deterministically-derived tags. ModelTags are
	// advisory tags proposed by the Critic and never required for retrieval.
	SystemTags []string `json:"system_tags,omitempty"`
	ModelTags  []string `json:"model_tags,omitempty"`

	DomainKey   string `json:"domain_key"`
	TaskCluster string `json:"task_cluster,omitempty"`

	SourceSessionID string `json:"source_session_id"`

	RetrievalCount int `json:"retrieval_count"`
	HelpfulCount   int `json:"helpful_count"`
	HarmfulCount   int `json:"harmful_count"`

	// Reliability is recomputed by the Promoter: (helpful+1)/(helpful+harmful+2).
	Reliability float64 `json:"reliability"`

	// ConflictsWith holds ids of lessons that share a trigger fingerprint but
	// recommend an incompatible fix. The relation is always symmetric.
	ConflictsWith []string `json:"conflicts_with,omitempty"`

	// WeightBlocked marks a lesson produced from an `uncertain` session: it
	// cannot promote from that session's evidence alone (spec 4.6, S6).
	WeightBlocked bool `json:"weight_blocked,omitempty"`

	// ConflictLossCount tracks how many times this lesson lost conflict
	// resolution to the same opponent, keyed by opponent id, for the
	// suppression rule in 4.4 ("repeatedly loses ... >= 3 times to the same
	// opponent").
	ConflictLosses map[string]int `json:"conflict_losses,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastRetrievedAt supports the archival rule (unused for 60+ days).
	LastRetrievedAt time.Time `json:"last_retrieved_at,omitempty"`

	// Transitions records the lifecycle history for observability/debugging.
	Transitions []LessonTransition `json:"transitions,omitempty"`
}

// LessonTransition records one lifecycle status change.
type LessonTransition struct {
	From   LessonStatus `json:"from"`
	To     LessonStatus `json:"to"`
	Reason string       `json:"reason"`
	At     time.Time    `json:"at"`
}

// Tags returns the union of system and model tags, used by callers that
// don't need to distinguish trust level (e.g. tag-overlap scoring).
func (l *Lesson) Tags() []string {
	out := make([]string, 0, len(l.SystemTags)+len(l.ModelTags))
	out = append(out, l.SystemTags...)
	out = append(out, l.ModelTags...)
	return out
}

// Retrievable reports whether this lesson may appear in retrieval results
// (testable property 2 / 8).
func (l *Lesson) Retrievable() bool {
	return l.Status == LessonCandidate || l.Status == LessonPromoted
}

// Package lesson implements the Lesson Store: persistence, dedup, conflict
// linking and lifecycle transitions for Lesson records (spec 4.2).
package lesson

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artemgetmann/cortex/internal/textutil"
	"github.com/artemgetmann/cortex/pkg/models"
)

// DedupJaccardThreshold is the rule-text similarity above which two
// candidates sharing a trigger set are merged (spec 4.2).
const DedupJaccardThreshold = 0.65

// ConflictJaccardThreshold is the rule-text similarity below which two
// lessons sharing >=1 trigger fingerprint are flagged as conflicting
// (spec 4.2 "Conflicts").
const ConflictJaccardThreshold = 0.25

// Candidate is the input to Upsert: everything the Critic (or a seed/import
// path) supplies about a newly observed lesson.
type Candidate struct {
	RuleText            string
	TriggerFingerprints []string
	SystemTags          []string
	ModelTags           []string
	DomainKey           string
	TaskCluster         string
	SourceSessionID     string
	WeightBlocked       bool
}

// Filter selects lessons for Iter.
type Filter struct {
	Status    models.LessonStatus // zero value means "any"
	DomainKey string              // empty means "any"
}

// Persister is the narrow durability contract the Store delegates to. The
// JSONL file backend and the optional sqlite backend both implement it; the
// Store itself owns dedup/conflict/lifecycle logic so both backends get it
// for free (spec 4.2's "implementation is free" persistence clause).
type Persister interface {
	Load() ([]*models.Lesson, error)
	Save(lessons []*models.Lesson) error
}

// Store is the in-memory, mutex-guarded view of all lessons, backed by a
// Persister. Single-writer, multi-reader: concurrent sessions within one
// process share a *Store safely; cross-process concurrent writers are not
// supported (spec 5, "Non-goals: distributed coordination").
type Store struct {
	mu      sync.RWMutex
	persist Persister
	byID    map[string]*models.Lesson

	// degraded is set when the persister reports an I/O failure; the store
	// keeps serving from memory and stops attempting to flush (spec 4.2
	// "Failure semantics").
	degraded    bool
	degradedErr error

	now func() time.Time
}

// NewStore loads all lessons from persist and returns a ready Store.
func NewStore(persist Persister) (*Store, error) {
	s := &Store{
		persist: persist,
		byID:    make(map[string]*models.Lesson),
		now:     time.Now,
	}
	lessons, err := persist.Load()
	if err != nil {
		s.degraded = true
		s.degradedErr = err
		return s, fmt.Errorf("lesson store: degraded to in-memory, load failed: %w", err)
	}
	for _, l := range lessons {
		s.byID[l.ID] = l
	}
	return s, nil
}

// Degraded reports whether the store is running without durable persistence.
func (s *Store) Degraded() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded, s.degradedErr
}

// Upsert adds a new lesson or merges into an existing one per the dedup
// rule: same trigger fingerprint set AND rule-text Jaccard >= 0.65.
func (s *Store) Upsert(c Candidate) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing := s.findDedupMatch(c); existing != nil {
		s.mergeInto(existing, c, now)
		s.flushLocked()
		return existing.ID, nil
	}

	l := &models.Lesson{
		SchemaVersion:       models.SchemaVersion,
		ID:                  uuid.NewString(),
		Status:              models.LessonCandidate,
		RuleText:            c.RuleText,
		TriggerFingerprints: dedupStrings(c.TriggerFingerprints),
		SystemTags:          dedupStrings(c.SystemTags),
		ModelTags:           dedupStrings(c.ModelTags),
		DomainKey:           c.DomainKey,
		TaskCluster:         c.TaskCluster,
		SourceSessionID:     c.SourceSessionID,
		Reliability:         0.5,
		WeightBlocked:       c.WeightBlocked,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.byID[l.ID] = l
	s.detectConflictsLocked(l)
	s.flushLocked()
	return l.ID, nil
}

func (s *Store) findDedupMatch(c Candidate) *models.Lesson {
	triggerSet := toSet(c.TriggerFingerprints)
	for _, existing := range s.byID {
		if !sameSet(toSet(existing.TriggerFingerprints), triggerSet) {
			continue
		}
		if textutil.JaccardText(existing.RuleText, c.RuleText) >= DedupJaccardThreshold {
			return existing
		}
	}
	return nil
}

func (s *Store) mergeInto(existing *models.Lesson, c Candidate, now time.Time) {
	// Keep the higher-reliability rule text; reliability is recomputed by
	// the Promoter, so at merge time we approximate with retrieval/helpful
	// counts observed so far.
	if lessonScore(existing) < candidateBaselineScore() {
		existing.RuleText = c.RuleText
	}
	existing.SystemTags = dedupStrings(append(existing.SystemTags, c.SystemTags...))
	existing.ModelTags = dedupStrings(append(existing.ModelTags, c.ModelTags...))
	existing.TriggerFingerprints = dedupStrings(append(existing.TriggerFingerprints, c.TriggerFingerprints...))
	existing.UpdatedAt = now
	if c.WeightBlocked {
		existing.WeightBlocked = true
	}
}

func lessonScore(l *models.Lesson) float64 { return l.Reliability }
func candidateBaselineScore() float64      { return 0.5 }

// detectConflictsLocked links l against existing lessons per spec 4.2:
// trigger overlap >= 1 fingerprint AND rule-text Jaccard < 0.25.
func (s *Store) detectConflictsLocked(l *models.Lesson) {
	for _, other := range s.byID {
		if other.ID == l.ID {
			continue
		}
		if !sharesTrigger(other.TriggerFingerprints, l.TriggerFingerprints) {
			continue
		}
		if textutil.JaccardText(other.RuleText, l.RuleText) >= ConflictJaccardThreshold {
			continue
		}
		s.linkConflictLocked(l.ID, other.ID)
	}
}

// LinkConflict records a symmetric conflict relation between two lessons.
func (s *Store) LinkConflict(aID, bID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[aID]; !ok {
		return fmt.Errorf("lesson store: unknown lesson id %q", aID)
	}
	if _, ok := s.byID[bID]; !ok {
		return fmt.Errorf("lesson store: unknown lesson id %q", bID)
	}
	s.linkConflictLocked(aID, bID)
	s.flushLocked()
	return nil
}

func (s *Store) linkConflictLocked(aID, bID string) {
	a := s.byID[aID]
	b := s.byID[bID]
	if !contains(a.ConflictsWith, bID) {
		a.ConflictsWith = append(a.ConflictsWith, bID)
	}
	if !contains(b.ConflictsWith, aID) {
		b.ConflictsWith = append(b.ConflictsWith, aID)
	}
}

// RecordConflictLoss increments the "lost to opponent" counter used by the
// suppression rule (spec 4.4: "repeatedly loses in conflict resolution >= 3
// times to the same opponent").
func (s *Store) RecordConflictLoss(loserID, winnerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[loserID]
	if !ok {
		return
	}
	if l.ConflictLosses == nil {
		l.ConflictLosses = make(map[string]int)
	}
	l.ConflictLosses[winnerID]++
	s.flushLocked()
}

// Get returns a copy-by-pointer lesson; callers must not mutate it directly,
// use Transition/Upsert/the promotion package's update helpers instead.
func (s *Store) Get(id string) (*models.Lesson, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byID[id]
	return l, ok
}

// Iter returns all lessons matching filter, sorted by id for deterministic
// iteration order.
func (s *Store) Iter(f Filter) []*models.Lesson {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Lesson, 0, len(s.byID))
	for _, l := range s.byID {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.DomainKey != "" && l.DomainKey != f.DomainKey {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// terminalStatuses can never transition further.
var terminalStatuses = map[models.LessonStatus]bool{}

// Transition moves a lesson to newStatus, recording the reason. It is a
// no-op if the lesson is already in a terminal status. Suppressed/archived
// are not strictly terminal (a suppressed lesson could theoretically be
// revisited by an operator), but default policy never auto-transitions out
// of archived, so Transition treats archived as terminal.
func (s *Store) Transition(id string, newStatus models.LessonStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("lesson store: unknown lesson id %q", id)
	}
	if l.Status == models.LessonArchived {
		return nil
	}
	if l.Status == newStatus {
		return nil
	}
	now := s.now()
	l.Transitions = append(l.Transitions, models.LessonTransition{
		From: l.Status, To: newStatus, Reason: reason, At: now,
	})
	l.Status = newStatus
	l.UpdatedAt = now
	s.flushLocked()
	return nil
}

// Touch updates counters and LastRetrievedAt for a lesson that was returned
// by a retrieval, used by the Promoter's bookkeeping.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[id]
	if !ok {
		return
	}
	l.RetrievalCount++
	l.LastRetrievedAt = s.now()
	s.flushLocked()
}

// UpdateCounters applies a delta to helpful/harmful counts and reliability,
// called by the promotion package after computing utility for an activation.
func (s *Store) UpdateCounters(id string, helpfulDelta, harmfulDelta int, reliability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[id]
	if !ok {
		return
	}
	l.HelpfulCount += helpfulDelta
	l.HarmfulCount += harmfulDelta
	l.Reliability = reliability
	l.UpdatedAt = s.now()
	s.flushLocked()
}

// flushLocked persists the current in-memory state. On failure it degrades
// the store (spec 4.2 "Failure semantics") rather than returning an error to
// every mutating call, matching the step loop's requirement to keep running
// in-memory for the rest of the session.
func (s *Store) flushLocked() {
	if s.degraded {
		return
	}
	all := make([]*models.Lesson, 0, len(s.byID))
	for _, l := range s.byID {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if err := s.persist.Save(all); err != nil {
		s.degraded = true
		s.degradedErr = err
	}
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func toSet(in []string) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, v := range in {
		set[v] = true
	}
	return set
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func sharesTrigger(a, b []string) bool {
	set := toSet(a)
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

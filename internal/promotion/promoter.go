// Package promotion implements the Promoter: per-lesson utility tracking
// from session outcomes, and the promote/suppress/archive transitions that
// follow from it (spec 4.4).
package promotion

import (
	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/pkg/models"
)

// Utility weights (spec 4.4).
const (
	WeightErrorReduction     = 0.50
	WeightStepEfficiencyGain = 0.30
	WeightRefereeScoreGain   = 0.20

	// PromotionUtilityThreshold and PromotionMinRuns gate candidate ->
	// promoted.
	PromotionUtilityThreshold = 0.20
	PromotionMinRuns          = 3
	MajorRegressionThreshold  = -0.5

	// SuppressionMinRetrievals and SuppressionMeanUtilityCeiling gate the
	// "retrieved >=3 times, mean utility <= 0" suppression rule.
	SuppressionMinRetrievals      = 3
	SuppressionMeanUtilityCeiling = 0.0
	SuppressionConflictLossCount  = 3
)

// Outcome is the per-activation evidence the step loop/referee supply after
// a session completes, for each lesson that was activated (pre-run or
// on-error) during that session.
type Outcome struct {
	LessonID string

	// FingerprintRecurred is false when this session's fingerprint
	// recurrence dropped vs. baseline (error_reduction = 1 in that case).
	FingerprintRecurred bool

	// StepEfficiencyGain and RefereeScoreGain are already normalized to
	// [-1, 1] by the caller (the step loop has the baseline window).
	StepEfficiencyGain float64
	RefereeScoreGain   float64

	// HasRefereeSignal is false when no judge/referee signal exists; in that
	// case the referee-gain term is redistributed into the other two.
	HasRefereeSignal bool

	// WeightBlocked mirrors Lesson.WeightBlocked: an uncertain-verdict
	// session's evidence cannot promote a lesson on its own (spec 4.6/S6).
	WeightBlocked bool
}

// Utility computes utility_i for one activation (spec 4.4).
func Utility(o Outcome) float64 {
	errorReduction := 0.0
	if !o.FingerprintRecurred {
		errorReduction = 1.0
	}

	if o.HasRefereeSignal {
		return WeightErrorReduction*errorReduction +
			WeightStepEfficiencyGain*o.StepEfficiencyGain +
			WeightRefereeScoreGain*o.RefereeScoreGain
	}

	// Redistribute the referee-gain weight over the other two terms,
	// proportional to their existing weights.
	total := WeightErrorReduction + WeightStepEfficiencyGain
	redistributedErr := (WeightErrorReduction + WeightErrorReduction/total*WeightRefereeScoreGain)
	redistributedEff := (WeightStepEfficiencyGain + WeightStepEfficiencyGain/total*WeightRefereeScoreGain)
	return redistributedErr*errorReduction + redistributedEff*o.StepEfficiencyGain
}

// Promoter applies outcomes to a lesson store and decides lifecycle
// transitions.
type Promoter struct {
	store *lesson.Store

	// activations tracks per-lesson utility history in-process; a longer-
	// lived deployment would persist this alongside the lesson, but the
	// spec only requires aggregate reliability/counters to survive restart
	// (which the Store already persists) — raw per-activation utility
	// history is bookkeeping local to one promoter instance's lifetime.
	activations map[string][]float64
	conflictLossCounts map[string]map[string]int
}

// New builds a Promoter over store.
func New(store *lesson.Store) *Promoter {
	return &Promoter{
		store:              store,
		activations:        make(map[string][]float64),
		conflictLossCounts: make(map[string]map[string]int),
	}
}

// Apply records one activation outcome, updates the lesson's counters and
// reliability, and evaluates whether a lifecycle transition should fire.
func (p *Promoter) Apply(o Outcome) error {
	l, ok := p.store.Get(o.LessonID)
	if !ok {
		return nil
	}

	u := Utility(o)
	p.activations[o.LessonID] = append(p.activations[o.LessonID], u)

	helpfulDelta, harmfulDelta := 0, 0
	if u > 0 {
		helpfulDelta = 1
	} else {
		harmfulDelta = 1
	}

	newHelpful := l.HelpfulCount + helpfulDelta
	newHarmful := l.HarmfulCount + harmfulDelta
	reliability := (float64(newHelpful) + 1) / (float64(newHelpful) + float64(newHarmful) + 2)
	p.store.UpdateCounters(o.LessonID, helpfulDelta, harmfulDelta, reliability)

	return p.evaluateTransitions(o.LessonID, o.WeightBlocked)
}

func (p *Promoter) evaluateTransitions(lessonID string, weightBlocked bool) error {
	l, ok := p.store.Get(lessonID)
	if !ok {
		return nil
	}
	history := p.activations[lessonID]

	if l.Status == models.LessonCandidate && !weightBlocked && !l.WeightBlocked {
		if shouldPromote(history) {
			return p.store.Transition(lessonID, models.LessonPromoted, "sustained positive utility across evidence window")
		}
	}

	if l.Status != models.LessonArchived && l.Status != models.LessonSuppressed {
		if shouldSuppressByUtility(history) {
			return p.store.Transition(lessonID, models.LessonSuppressed, "retrieved repeatedly with non-positive mean utility")
		}
	}
	return nil
}

func shouldPromote(history []float64) bool {
	if len(history) < PromotionMinRuns {
		return false
	}
	sum := 0.0
	for _, u := range history {
		if u <= MajorRegressionThreshold {
			return false
		}
		sum += u
	}
	avg := sum / float64(len(history))
	return avg >= PromotionUtilityThreshold
}

func shouldSuppressByUtility(history []float64) bool {
	if len(history) < SuppressionMinRetrievals {
		return false
	}
	sum := 0.0
	for _, u := range history {
		sum += u
	}
	mean := sum / float64(len(history))
	return mean <= SuppressionMeanUtilityCeiling
}

// RecordConflictLoss records a conflict-resolution loss for loserID against
// winnerID and suppresses loserID once it has lost >=3 times to the same
// opponent (spec 4.4 "Suppression").
func (p *Promoter) RecordConflictLoss(loserID, winnerID string) error {
	p.store.RecordConflictLoss(loserID, winnerID)
	l, ok := p.store.Get(loserID)
	if !ok {
		return nil
	}
	if l.ConflictLosses[winnerID] >= SuppressionConflictLossCount {
		return p.store.Transition(loserID, models.LessonSuppressed, "repeatedly lost conflict resolution to same lesson")
	}
	return nil
}

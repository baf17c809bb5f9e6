package steploop

import (
	"context"
	"strings"
	"testing"

	"github.com/artemgetmann/cortex/internal/adapter/kv"
	"github.com/artemgetmann/cortex/internal/critic"
	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/internal/model"
	"github.com/artemgetmann/cortex/internal/model/tape"
	"github.com/artemgetmann/cortex/internal/promotion"
	"github.com/artemgetmann/cortex/internal/referee"
	"github.com/artemgetmann/cortex/internal/retrieval"
)

func newFixture(t *testing.T, turns ...model.ModelTurn) (*Loop, *lesson.Store) {
	t.Helper()
	a, err := kv.New("kv")
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	store, err := lesson.NewStore(lesson.NewInMemoryPersister())
	if err != nil {
		t.Fatalf("lesson.NewStore: %v", err)
	}
	ret := retrieval.New(store, retrieval.Config{})
	prom := promotion.New(store)

	tp := tape.NewTape()
	for _, turn := range turns {
		tp.AddTurn(turn)
	}
	player := tape.NewPlayer(tp)

	crit := critic.New(player, critic.PromptStrict)
	ref := referee.New(player)

	loop, err := New(player, a, store, ret, crit, ref, prom, nil, Config{MaxSteps: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return loop, store
}

func TestSessionEndsNormallyOnTextOnlyTurn(t *testing.T) {
	loop, _ := newFixture(t,
		model.ModelTurn{TextBlocks: []string{"All done."}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{`{"passed": true, "score": 1, "reasons": "n/a"}`}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{"[]"}, StopReason: model.StopEndTurn},
	)

	metrics, err := loop.Run(context.Background(), Task{SessionID: "s1", Text: "do nothing", DomainKey: "kv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.Steps != 0 {
		t.Fatalf("expected 0 steps for immediate text-only turn, got %d", metrics.Steps)
	}
	if metrics.FailReason != "" {
		t.Fatalf("expected no fail reason, got %q", metrics.FailReason)
	}
}

func TestSessionExecutesToolCallThenEnds(t *testing.T) {
	loop, _ := newFixture(t,
		model.ModelTurn{
			ToolCall:   &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "set", "key": "x", "value": "y"}},
			StopReason: model.StopToolUse,
		},
		model.ModelTurn{TextBlocks: []string{"Stored."}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{`{"passed": true, "score": 1, "reasons": "stored value"}`}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{"[]"}, StopReason: model.StopEndTurn},
	)

	metrics, err := loop.Run(context.Background(), Task{SessionID: "s2", Text: "store x=y", DomainKey: "kv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.Steps != 1 {
		t.Fatalf("expected 1 step, got %d", metrics.Steps)
	}
	if metrics.ToolErrors != 0 {
		t.Fatalf("expected no tool errors, got %d", metrics.ToolErrors)
	}
	if !metrics.Passed {
		t.Fatalf("expected session to pass, got %+v", metrics)
	}
}

func TestValidationRetryDoesNotAdvanceStepCounter(t *testing.T) {
	loop, _ := newFixture(t,
		// Missing required "key" field: shape-invalid.
		model.ModelTurn{ToolCall: &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "get"}}, StopReason: model.StopToolUse},
		// Retry: valid this time.
		model.ModelTurn{ToolCall: &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "set", "key": "x", "value": "y"}}, StopReason: model.StopToolUse},
		model.ModelTurn{TextBlocks: []string{"Done."}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{`{"passed": true, "score": 1, "reasons": "ok"}`}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{"[]"}, StopReason: model.StopEndTurn},
	)

	metrics, err := loop.Run(context.Background(), Task{SessionID: "s3", Text: "store x=y", DomainKey: "kv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.ValidationRetryAttempts != 1 {
		t.Fatalf("expected 1 validation retry attempt, got %d", metrics.ValidationRetryAttempts)
	}
	if metrics.Steps != 1 {
		t.Fatalf("expected step counter to count only the valid call, got %d", metrics.Steps)
	}
}

func TestValidationRetryCapStopsCountingAttemptsAtTheCap(t *testing.T) {
	loop, _ := newFixture(t,
		// Three successive shape-invalid calls at the same step: the first
		// two are ordinary retries, the third trips MaxValidationRetries (2)
		// and triggers a reflection turn instead of a fourth retry.
		model.ModelTurn{ToolCall: &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "get"}}, StopReason: model.StopToolUse},
		model.ModelTurn{ToolCall: &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "get"}}, StopReason: model.StopToolUse},
		model.ModelTurn{ToolCall: &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "get"}}, StopReason: model.StopToolUse},
		// Reflection turn consumed after the cap trips.
		model.ModelTurn{TextBlocks: []string{"Reflecting on the repeated shape errors."}, StopReason: model.StopEndTurn},
		// Next step: the session ends.
		model.ModelTurn{TextBlocks: []string{"Done."}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{`{"passed": true, "score": 1, "reasons": "ok"}`}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{"[]"}, StopReason: model.StopEndTurn},
	)

	metrics, err := loop.Run(context.Background(), Task{SessionID: "s5", Text: "store x=y", DomainKey: "kv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.ValidationRetryAttempts != 2 {
		t.Fatalf("expected 2 validation retry attempts (capped attempt excluded), got %d", metrics.ValidationRetryAttempts)
	}
	if metrics.ValidationRetryCappedEvents != 1 {
		t.Fatalf("expected 1 validation retry capped event, got %d", metrics.ValidationRetryCappedEvents)
	}
}

func TestRepeatedRuntimeErrorRecordsToolErrorsAndContinues(t *testing.T) {
	loop, _ := newFixture(t,
		model.ModelTurn{ToolCall: &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "get", "key": "missing"}}, StopReason: model.StopToolUse},
		// Reflection turn fires (repetition threshold=2 not hit on first failure, but HardFailureThreshold default 3 not hit either) so no reflection call consumed here for first failure.
		model.ModelTurn{ToolCall: &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "get", "key": "missing"}}, StopReason: model.StopToolUse},
		// Second identical failure hits RepetitionFingerprintThreshold=2 -> reflection turn consumed next.
		model.ModelTurn{TextBlocks: []string{"I will try a different key."}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{"Giving up for now."}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{`{"passed": false, "score": 0, "reasons": "key never found"}`}, StopReason: model.StopEndTurn},
		model.ModelTurn{TextBlocks: []string{"[]"}, StopReason: model.StopEndTurn},
	)

	metrics, err := loop.Run(context.Background(), Task{SessionID: "s4", Text: "read missing key", DomainKey: "kv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if metrics.ToolErrors != 2 {
		t.Fatalf("expected 2 tool errors, got %d", metrics.ToolErrors)
	}
	if metrics.Passed {
		t.Fatalf("expected session not to pass")
	}
}

func TestDeterministicRerunProducesIdenticalFingerprintsAndCandidates(t *testing.T) {
	build := func() (*Loop, *lesson.Store) {
		return newFixture(t,
			model.ModelTurn{ToolCall: &model.ToolCallIntent{Name: "kv", Input: map[string]any{"op": "get", "key": "missing"}}, StopReason: model.StopToolUse},
			model.ModelTurn{TextBlocks: []string{"Stopping."}, StopReason: model.StopEndTurn},
			model.ModelTurn{TextBlocks: []string{`{"passed": false, "score": 0.1, "reasons": "missing key"}`}, StopReason: model.StopEndTurn},
			model.ModelTurn{TextBlocks: []string{`[{"trigger_fingerprints": ["kv:kv: key not found:"], "rule_text": "WRONG get before set -> CORRECT set before get", "scope_hint": "domain"}]`}, StopReason: model.StopEndTurn},
		)
	}

	loopA, storeA := build()
	metricsA, err := loopA.Run(context.Background(), Task{SessionID: "rerun", Text: "read missing key", DomainKey: "kv"})
	if err != nil {
		t.Fatalf("Run A: %v", err)
	}

	loopB, storeB := build()
	metricsB, err := loopB.Run(context.Background(), Task{SessionID: "rerun", Text: "read missing key", DomainKey: "kv"})
	if err != nil {
		t.Fatalf("Run B: %v", err)
	}

	if metricsA.ToolErrors != metricsB.ToolErrors {
		t.Fatalf("tool error counts diverged: %d vs %d", metricsA.ToolErrors, metricsB.ToolErrors)
	}

	lessonsA := storeA.Iter(lesson.Filter{})
	lessonsB := storeB.Iter(lesson.Filter{})
	if len(lessonsA) != len(lessonsB) {
		t.Fatalf("candidate lesson count diverged: %d vs %d", len(lessonsA), len(lessonsB))
	}
	if len(lessonsA) != 1 {
		t.Fatalf("expected exactly one candidate lesson, got %d", len(lessonsA))
	}
	if lessonsA[0].RuleText != lessonsB[0].RuleText {
		t.Fatalf("candidate rule text diverged: %q vs %q", lessonsA[0].RuleText, lessonsB[0].RuleText)
	}
}

func TestPruneMessageHistoryKeepsSystemPromptAndRecentTurns(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleSystem, Text: "system prompt"},
		{Role: model.RoleUser, Text: strings.Repeat("a", 4000)},
		{Role: model.RoleAssistant, Text: strings.Repeat("b", 4000)},
		{Role: model.RoleUser, Text: "most recent turn"},
	}

	pruned := pruneMessageHistory(messages, 10)

	if len(pruned) == 0 || pruned[0].Text != "system prompt" {
		t.Fatalf("expected system prompt to survive pruning, got %+v", pruned)
	}
	if pruned[len(pruned)-1].Text != "most recent turn" {
		t.Fatalf("expected most recent turn to survive pruning, got %+v", pruned)
	}
	if len(pruned) >= len(messages) {
		t.Fatalf("expected pruning to drop at least one oversized message, got %d messages", len(pruned))
	}
}

func TestPruneMessageHistoryNoopWhenWithinBudget(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleSystem, Text: "system prompt"},
		{Role: model.RoleUser, Text: "short"},
	}

	pruned := pruneMessageHistory(messages, 2048)
	if len(pruned) != len(messages) {
		t.Fatalf("expected no pruning within budget, got %d messages", len(pruned))
	}
}

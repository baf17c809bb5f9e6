// Package referee implements the dual-authority Referee (spec 4.6): a
// deterministic contract evaluator, an LLM judge via the Model SPI, and the
// verdict-combination table that reconciles them.
package referee

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/artemgetmann/cortex/internal/model"
	"github.com/artemgetmann/cortex/pkg/models"
)

// ContractResult is the deterministic evaluator's output.
type ContractResult struct {
	Present  bool // false when the task declared no contract
	Passed   bool
	Evidence string
}

// Contract is a task-declared set of output predicates, required side
// effects, and ordering constraints, evaluated deterministically against
// observable session state — no model call involved.
type Contract struct {
	// Predicates are evaluated against finalState; all must hold for the
	// contract to pass.
	Predicates []Predicate
}

// Predicate checks one contract condition against the session's final
// observable state (adapter CaptureFinalState output plus the last tool
// output), returning a pass/fail plus a short evidence string.
type Predicate func(finalState map[string]any) (bool, string)

// Evaluate runs every predicate; the contract passes only if all do.
func (c Contract) Evaluate(finalState map[string]any) ContractResult {
	if len(c.Predicates) == 0 {
		return ContractResult{Present: false}
	}
	var evidences []string
	passed := true
	for _, p := range c.Predicates {
		ok, ev := p(finalState)
		evidences = append(evidences, ev)
		if !ok {
			passed = false
		}
	}
	return ContractResult{Present: true, Passed: passed, Evidence: strings.Join(evidences, "; ")}
}

// JudgeResult is the LLM judge's output.
type JudgeResult struct {
	Passed  bool
	Score   float64
	Reasons string
}

const judgeRubric = `You are grading whether an agent session accomplished its task.
Respond with strict JSON: {"passed": bool, "score": number between 0 and 1, "reasons": string}.
Base your judgment only on the task description and the final observable state provided.`

// Judge calls the Model SPI with a rubric and the session's final state,
// parsing a strict-JSON verdict.
func Judge(ctx context.Context, spi model.SPI, task string, finalStateText string) (JudgeResult, error) {
	messages := []model.Message{
		{Role: model.RoleSystem, Text: judgeRubric},
		{Role: model.RoleUser, Text: fmt.Sprintf("Task:\n%s\n\nFinal observable state:\n%s", task, finalStateText)},
	}
	turn, err := spi.Turn(ctx, messages, nil, model.StopConditions{MaxTokens: 512})
	if err != nil {
		return JudgeResult{}, fmt.Errorf("referee: judge call: %w", err)
	}
	text := strings.Join(turn.TextBlocks, "")

	var parsed struct {
		Passed  bool    `json:"passed"`
		Score   float64 `json:"score"`
		Reasons string  `json:"reasons"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return JudgeResult{}, fmt.Errorf("referee: parse judge response: %w", err)
	}
	return JudgeResult{Passed: parsed.Passed, Score: parsed.Score, Reasons: parsed.Reasons}, nil
}

// extractJSON trims narration the model may wrap around the JSON object,
// returning the substring from the first '{' to the last '}'.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

// Outcome is the referee's combined verdict for a completed session.
type Outcome struct {
	Verdict      models.Verdict
	Score        float64
	EvalSource   models.EvalSource
	Evidence     string
	// WeightBlocked mirrors spec 4.6: "uncertain is treated as fail for
	// Promoter purposes; lessons produced in such a session are stored with
	// low weight and blocked from promotion unless the same lesson
	// re-emerges with consistent evidence elsewhere."
	WeightBlocked bool
}

// Combine applies the verdict-combination table from spec 4.6.
func Combine(contract ContractResult, judge JudgeResult, haveJudge bool) Outcome {
	if !contract.Present {
		if !haveJudge {
			return Outcome{Verdict: models.VerdictUncertain, EvalSource: models.EvalSourceNone, WeightBlocked: true}
		}
		if judge.Passed {
			return Outcome{Verdict: models.VerdictPass, Score: judge.Score, EvalSource: models.EvalSourceJudgePrimary, Evidence: judge.Reasons}
		}
		return Outcome{Verdict: models.VerdictFail, Score: judge.Score, EvalSource: models.EvalSourceJudgePrimary, Evidence: judge.Reasons}
	}

	if !haveJudge {
		// Contract-only: treat as a degenerate "(absent)" judge row is not
		// in the table; a contract-only evaluation stands on its own.
		v := models.VerdictFail
		if contract.Passed {
			v = models.VerdictPass
		}
		return Outcome{Verdict: v, EvalSource: models.EvalSourceContract, Evidence: contract.Evidence}
	}

	switch {
	case contract.Passed && judge.Passed:
		return Outcome{Verdict: models.VerdictPass, Score: judge.Score, EvalSource: models.EvalSourceContract, Evidence: contract.Evidence + "; " + judge.Reasons}
	case !contract.Passed && !judge.Passed:
		return Outcome{Verdict: models.VerdictFail, Score: judge.Score, EvalSource: models.EvalSourceContract, Evidence: contract.Evidence + "; " + judge.Reasons}
	default:
		return Outcome{
			Verdict:       models.VerdictUncertain,
			Score:         judge.Score,
			EvalSource:    models.EvalSourceJudgeFallback,
			Evidence:      contract.Evidence + "; " + judge.Reasons,
			WeightBlocked: true,
		}
	}
}

// Referee ties the contract evaluator and the judge together for one
// session.
type Referee struct {
	spi model.SPI
}

// New builds a Referee that calls spi for judge evaluation.
func New(spi model.SPI) *Referee {
	return &Referee{spi: spi}
}

// Evaluate runs the full dual-authority evaluation for one session. contract
// may be a zero-value Contract (no predicates) if the task declared none.
func (r *Referee) Evaluate(ctx context.Context, task string, finalStateText string, contract Contract) (Outcome, error) {
	var contractResult ContractResult
	if len(contract.Predicates) > 0 {
		contractResult = contract.Evaluate(decodeFinalState(finalStateText))
	}

	if r.spi == nil {
		return Combine(contractResult, JudgeResult{}, false), nil
	}

	judgeResult, err := Judge(ctx, r.spi, task, finalStateText)
	if err != nil {
		// A judge call failure with a present contract still yields a
		// usable verdict; without a contract, propagate the error.
		if contractResult.Present {
			v := models.VerdictFail
			if contractResult.Passed {
				v = models.VerdictPass
			}
			return Outcome{Verdict: v, EvalSource: models.EvalSourceContract, Evidence: contractResult.Evidence}, nil
		}
		return Outcome{}, err
	}
	return Combine(contractResult, judgeResult, true), nil
}

func decodeFinalState(text string) map[string]any {
	var m map[string]any
	_ = json.Unmarshal([]byte(text), &m)
	return m
}

// Package steploop implements the Step Loop (spec 4.7): the single-threaded,
// cooperative state machine that drives one session — model turns, tool
// execution, validation retry, hint injection, reflection, and the
// end-of-run Referee/Critic/Promoter pipeline. It is the component that
// wires every other package in this module together.
package steploop

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/artemgetmann/cortex/internal/adapter"
	"github.com/artemgetmann/cortex/internal/compaction"
	"github.com/artemgetmann/cortex/internal/critic"
	"github.com/artemgetmann/cortex/internal/fingerprint"
	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/internal/model"
	"github.com/artemgetmann/cortex/internal/observability"
	"github.com/artemgetmann/cortex/internal/promotion"
	"github.com/artemgetmann/cortex/internal/referee"
	"github.com/artemgetmann/cortex/internal/retrieval"
	"github.com/artemgetmann/cortex/pkg/models"
)

// Config bounds one session (spec 4.7, 5 "Cancellation & timeout").
type Config struct {
	MaxSteps int

	// MaxValidationRetries caps shape-invalid retries on the same step
	// before a reflection turn is forced (spec 4.7 step 4).
	MaxValidationRetries int

	// RepetitionFingerprintThreshold triggers a reflection turn once the
	// same fingerprint fires this many times in a row.
	RepetitionFingerprintThreshold int

	// HardFailureThreshold triggers a reflection turn once this many hard
	// failures accumulate across the session.
	HardFailureThreshold int

	// WallClockBudget ends the session as fail/reason=timeout once exceeded.
	WallClockBudget time.Duration

	MaxTurnTokens int
}

// WithDefaults fills zero fields with the spec's defaults.
func (c Config) WithDefaults() Config {
	if c.MaxSteps == 0 {
		c.MaxSteps = 30
	}
	if c.MaxValidationRetries == 0 {
		c.MaxValidationRetries = 2
	}
	if c.RepetitionFingerprintThreshold == 0 {
		c.RepetitionFingerprintThreshold = 2
	}
	if c.HardFailureThreshold == 0 {
		c.HardFailureThreshold = 3
	}
	if c.WallClockBudget == 0 {
		c.WallClockBudget = 5 * time.Minute
	}
	if c.MaxTurnTokens == 0 {
		c.MaxTurnTokens = 2048
	}
	return c
}

// Loop ties the Model SPI, Adapter SPI, and the memory-subsystem components
// together to run one session at a time.
type Loop struct {
	spi     model.SPI
	adp     adapter.SPI
	store   *lesson.Store
	ret     *retrieval.Retriever
	crit    *critic.Critic
	ref     *referee.Referee
	prom    *promotion.Promoter
	log     *observability.Logger
	config  Config
	schema  *jsonschema.Schema
	toolSpec adapter.ToolSpec
	now     func() time.Time
}

// New builds a Loop. Everything except logger is required; a nil logger
// disables step-level logging.
func New(spi model.SPI, adp adapter.SPI, store *lesson.Store, ret *retrieval.Retriever, crit *critic.Critic, ref *referee.Referee, prom *promotion.Promoter, log *observability.Logger, config Config) (*Loop, error) {
	toolSpec := adp.ToolSpec()
	raw, err := json.Marshal(toolSpec.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("steploop: encode tool schema: %w", err)
	}
	schema, err := jsonschema.CompileString(toolSpec.Name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("steploop: compile tool schema: %w", err)
	}
	return &Loop{
		spi: spi, adp: adp, store: store, ret: ret, crit: crit, ref: ref, prom: prom,
		log: log, config: config.WithDefaults(), schema: schema, toolSpec: toolSpec, now: time.Now,
	}, nil
}

// Task is one session's request.
type Task struct {
	SessionID   string
	Text        string
	DomainKey   string
	TaskCluster string
	Contract    referee.Contract
}

// activation records one lesson's retrieval during the session, so the
// post-session Promoter pass can attribute utility per lesson.
type activation struct {
	lessonID            string
	triggerFingerprints []string
	activatedAtStep     int
}

// Run executes one session end-to-end and returns its SessionMetrics.
func (lp *Loop) Run(ctx context.Context, task Task) (*models.SessionMetrics, error) {
	start := lp.now()
	ctx, cancel := context.WithTimeout(ctx, lp.config.WallClockBudget)
	defer cancel()

	metrics := &models.SessionMetrics{
		SchemaVersion: models.SchemaVersion,
		SessionID:     task.SessionID,
		StartedAt:     start,
	}

	domainKey := task.DomainKey
	if domainKey == "" {
		domainKey = lp.adp.DomainKey()
	}

	prerun := lp.ret.Prerun(retrieval.Query{DomainKey: domainKey, TaskText: task.Text})
	for _, s := range prerun {
		metrics.V2PrerunLessonIDs = append(metrics.V2PrerunLessonIDs, s.Lesson.ID)
	}

	var activations []activation
	for _, s := range prerun {
		activations = append(activations, activation{lessonID: s.Lesson.ID, triggerFingerprints: s.Lesson.TriggerFingerprints})
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Text: buildSystemPrompt(task.Text, prerun, lp.toolSpec)},
	}

	toolSpecs := []model.ToolSpec{{Name: lp.toolSpec.Name, Description: lp.toolSpec.Description, InputSchema: lp.toolSpec.InputSchema}}

	var trace []critic.TraceEvent
	var errorEvents []models.ErrorEvent

	step := 0
	validationRetries := 0
	lastFingerprint := ""
	repeatCount := 0
	hardFailures := 0
	priorKnownErrors := 0
	recurredAfterHint := 0
	hintedFingerprints := make(map[string]bool)

	failReason := ""
	terminatedNormally := false

runLoop:
	for step < lp.config.MaxSteps {
		if err := ctx.Err(); err != nil {
			failReason = "timeout"
			break
		}

		turn, err := lp.spi.Turn(ctx, pruneMessageHistory(messages, lp.config.MaxTurnTokens), toolSpecs, model.StopConditions{MaxTokens: lp.config.MaxTurnTokens})
		if err != nil {
			failReason = "transport"
			break
		}

		if turn.ToolCall == nil {
			if len(turn.TextBlocks) > 0 {
				messages = append(messages, model.Message{Role: model.RoleAssistant, Text: strings.Join(turn.TextBlocks, "")})
			}
			terminatedNormally = true
			break
		}

		messages = append(messages, model.Message{Role: model.RoleAssistant, ToolUse: &model.ToolUse{Name: turn.ToolCall.Name, Input: turn.ToolCall.Input}})

		if err := lp.schema.Validate(turn.ToolCall.Input); err != nil {
			validationRetries++
			if validationRetries > lp.config.MaxValidationRetries {
				// This attempt is the one that tripped the cap: it counts
				// toward ValidationRetryCappedEvents, not ValidationRetryAttempts
				// (attempts is bounded by MaxValidationRetries by definition).
				metrics.ValidationRetryCappedEvents++
				messages = append(messages, reflectionMessage())
				reflectionTurn, rerr := lp.spi.Turn(ctx, pruneMessageHistory(messages, lp.config.MaxTurnTokens), nil, model.StopConditions{MaxTokens: lp.config.MaxTurnTokens})
				if rerr == nil && len(reflectionTurn.TextBlocks) > 0 {
					messages = append(messages, model.Message{Role: model.RoleAssistant, Text: strings.Join(reflectionTurn.TextBlocks, "")})
				}
				validationRetries = 0
				step++
				continue runLoop
			}
			metrics.ValidationRetryAttempts++
			// Validation retry on same step: does not advance step counter.
			messages = append(messages, model.Message{Role: model.RoleUser, Text: fmt.Sprintf(
				"Your tool call did not match the required shape: %s. Please retry with a corrected call.", err)})
			continue runLoop
		}
		validationRetries = 0

		res, execErr := lp.adp.Execute(ctx, turn.ToolCall.Input)
		if execErr != nil {
			failReason = "transport"
			break
		}

		payloadJSON, _ := json.Marshal(turn.ToolCall.Input)
		te := critic.TraceEvent{ToolName: turn.ToolCall.Name, Payload: string(payloadJSON), Succeeded: res.Err == nil}

		if res.Err == nil {
			outputJSON, _ := json.Marshal(res.Output)
			messages = append(messages, model.Message{Role: model.RoleUser, Text: fmt.Sprintf("Tool result: %s", outputJSON)})
			lastFingerprint = ""
			repeatCount = 0
		} else {
			metrics.ToolErrors++
			te.ErrorText = res.Err.Error()

			fp := fingerprint.Fingerprint(fingerprint.Input{
				ToolFamily: lp.toolSpec.Name,
				ErrorText:  res.Err.Error(),
			})
			te.FingerprintSeen = fp.Fingerprint
			errorEvents = append(errorEvents, models.ErrorEvent{
				SchemaVersion: models.SchemaVersion,
				SessionID:     task.SessionID,
				StepIndex:     step,
				ToolName:      lp.toolSpec.Name,
				ActionPayload: string(payloadJSON),
				ErrorText:     res.Err.Error(),
				Fingerprint:   fp.Fingerprint,
				Tags:          fp.Tags,
				Channel:       models.ChannelHardFailure,
				At:            lp.now(),
			})

			if hintedFingerprints[fp.Fingerprint] {
				recurredAfterHint++
			}

			hints := lp.ret.OnError(retrieval.Query{
				DomainKey:       domainKey,
				Fingerprint:     fp.Fingerprint,
				Tags:            fp.Tags,
				RecentErrorText: res.Err.Error(),
			})
			if len(hints) > 0 {
				// A matching lesson already existed for this fingerprint
				// before this session's own hint injection — counts toward
				// "prior" recurrence for the before/after metric (spec 3).
				priorKnownErrors++
			}
			for _, h := range hints {
				activations = append(activations, activation{lessonID: h.Lesson.ID, triggerFingerprints: h.Lesson.TriggerFingerprints, activatedAtStep: step})
				metrics.V2LessonActivations++
			}
			hintedFingerprints[fp.Fingerprint] = true

			messages = append(messages, model.Message{Role: model.RoleUser, Text: buildErrorMessage(res.Err.Error(), hints)})

			if fp.Fingerprint == lastFingerprint {
				repeatCount++
			} else {
				repeatCount = 1
			}
			lastFingerprint = fp.Fingerprint
			hardFailures++

			if repeatCount >= lp.config.RepetitionFingerprintThreshold || hardFailures >= lp.config.HardFailureThreshold {
				messages = append(messages, reflectionMessage())
				reflectionTurn, rerr := lp.spi.Turn(ctx, pruneMessageHistory(messages, lp.config.MaxTurnTokens), nil, model.StopConditions{MaxTokens: lp.config.MaxTurnTokens})
				if rerr == nil && len(reflectionTurn.TextBlocks) > 0 {
					messages = append(messages, model.Message{Role: model.RoleAssistant, Text: strings.Join(reflectionTurn.TextBlocks, "")})
				}
			}
		}
		trace = append(trace, te)
		step++
	}

	if !terminatedNormally && failReason == "" && step >= lp.config.MaxSteps {
		failReason = "max_steps"
	}

	metrics.Steps = step
	if len(errorEvents) > 0 {
		metrics.FingerprintRecurrenceBefore = float64(priorKnownErrors) / float64(len(errorEvents))
		metrics.FingerprintRecurrenceAfter = float64(recurredAfterHint) / float64(len(errorEvents))
	}

	finalState, _ := lp.adp.CaptureFinalState(ctx)
	finalStateJSON, _ := json.Marshal(finalState)

	outcome, err := lp.ref.Evaluate(ctx, task.Text, string(finalStateJSON), task.Contract)
	if err != nil {
		if lp.log != nil {
			lp.log.Warn(ctx, "referee evaluation failed", "session_id", task.SessionID, "error", err)
		}
		outcome = referee.Outcome{Verdict: models.VerdictUncertain, EvalSource: models.EvalSourceNone, WeightBlocked: true}
	}
	metrics.Verdict = outcome.Verdict
	metrics.EvalSource = outcome.EvalSource
	metrics.Score = outcome.Score
	metrics.Passed = outcome.Verdict == models.VerdictPass
	if failReason != "" {
		metrics.Passed = false
		metrics.FailReason = failReason
	}

	if lp.crit != nil {
		candidates, cerr := lp.crit.Propose(ctx, task.Text, trace, outcome.Verdict)
		if cerr != nil {
			if lp.log != nil {
				lp.log.Warn(ctx, "critic proposal failed", "session_id", task.SessionID, "error", cerr)
			}
		} else {
			filtered := critic.Filter(candidates, trace)
			lessonCandidates := critic.ToLessonCandidates(filtered, domainKey, task.TaskCluster, task.SessionID, outcome.WeightBlocked)
			for _, lc := range lessonCandidates {
				if _, uerr := lp.store.Upsert(lc); uerr != nil && lp.log != nil {
					lp.log.Warn(ctx, "lesson upsert failed", "session_id", task.SessionID, "error", uerr)
				}
			}
		}
	}

	if lp.prom != nil {
		stepEfficiencyGain := 1.0 - 2.0*float64(step)/float64(lp.config.MaxSteps)
		refereeScoreGain := outcome.Score*2 - 1
		hasRefereeSignal := outcome.EvalSource != models.EvalSourceNone

		applied := make(map[string]bool)
		for _, a := range activations {
			if applied[a.lessonID] {
				continue
			}
			applied[a.lessonID] = true
			recurred := fingerprintsRecurAfter(a.triggerFingerprints, errorEvents, a.activatedAtStep)
			_ = lp.prom.Apply(promotion.Outcome{
				LessonID:            a.lessonID,
				FingerprintRecurred: recurred,
				StepEfficiencyGain:  stepEfficiencyGain,
				RefereeScoreGain:    refereeScoreGain,
				HasRefereeSignal:    hasRefereeSignal,
				WeightBlocked:       outcome.WeightBlocked,
			})
		}
	}

	metrics.CompletedAt = lp.now()
	return metrics, nil
}

func fingerprintsRecurAfter(triggers []string, events []models.ErrorEvent, afterStep int) bool {
	set := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		set[t] = true
	}
	for _, e := range events {
		if e.StepIndex > afterStep && set[e.Fingerprint] {
			return true
		}
	}
	return false
}

func buildSystemPrompt(task string, prerun []retrieval.Scored, spec adapter.ToolSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\n", task)
	fmt.Fprintf(&b, "Tool: %s — %s\n\n", spec.Name, spec.Description)
	if len(prerun) > 0 {
		b.WriteString("Lessons from prior sessions:\n")
		for _, s := range prerun {
			fmt.Fprintf(&b, "- [%s] %s\n", s.Lesson.ID, s.Lesson.RuleText)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func buildErrorMessage(errText string, hints []retrieval.Scored) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool error: %s", errText)
	for _, h := range hints {
		fmt.Fprintf(&b, "\nHint [%s]: %s", h.Lesson.ID, h.Lesson.RuleText)
	}
	return b.String()
}

func reflectionMessage() model.Message {
	return model.Message{Role: model.RoleUser, Text: "Before continuing: briefly restate what you have tried, why it failed, and what you will try differently."}
}

// pruneMessageHistory bounds what is actually sent to the model to
// maxTokens, enforcing Config.MaxTurnTokens. The system prompt (messages[0])
// is always kept; older turns are dropped from the front first, via
// internal/compaction's budget-aware pruning.
func pruneMessageHistory(messages []model.Message, maxTokens int) []model.Message {
	if maxTokens <= 0 || len(messages) <= 1 {
		return messages
	}

	head := messages[0]
	rest := messages[1:]
	rmsgs := make([]*compaction.Message, len(rest))
	for i, m := range rest {
		rmsgs[i] = toCompactionMessage(i, m)
	}

	pruned := compaction.PruneHistoryForContextShare(rmsgs, maxTokens, 1.0, 0)
	if pruned.DroppedMessages == 0 {
		return messages
	}

	kept := make([]model.Message, 0, len(pruned.Messages)+1)
	kept = append(kept, head)
	for _, cm := range pruned.Messages {
		idx, err := strconv.Atoi(cm.ID)
		if err != nil || idx < 0 || idx >= len(rest) {
			continue
		}
		kept = append(kept, rest[idx])
	}
	return kept
}

// toCompactionMessage converts a Model SPI message into compaction's
// transport-agnostic shape, stashing its original index in rest as ID so
// pruneMessageHistory can map surviving messages back.
func toCompactionMessage(index int, m model.Message) *compaction.Message {
	cm := &compaction.Message{
		Role:    string(m.Role),
		Content: m.Text,
		ID:      strconv.Itoa(index),
	}
	if m.ToolUse != nil {
		if raw, err := json.Marshal(m.ToolUse); err == nil {
			cm.ToolCalls = string(raw)
		}
	}
	return cm
}

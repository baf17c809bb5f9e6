// Package critic implements the Critic (spec 4.5): it turns a session trace
// plus the referee verdict into candidate lessons, via a Model SPI call
// under a strict-JSON output contract, then applies a pre-store quality
// filter before anything reaches the Lesson Store.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/internal/model"
	"github.com/artemgetmann/cortex/pkg/models"
)

// ScopeHint mirrors spec 4.5's scope_hint enum.
type ScopeHint string

const (
	ScopeTask   ScopeHint = "task"
	ScopeDomain ScopeHint = "domain"
	ScopeGlobal ScopeHint = "global"
)

// TraceEvent is one (tool_call, outcome, error_text_if_any) entry from the
// session trace the step loop hands the Critic.
type TraceEvent struct {
	ToolName        string
	Payload         string
	Succeeded       bool
	ErrorText       string
	FingerprintSeen string // the fingerprint Fingerprinter assigned, if any
}

// Candidate is one raw lesson proposal from the model, before the quality
// filter runs.
type Candidate struct {
	TriggerFingerprints []string  `json:"trigger_fingerprints"`
	RuleText            string    `json:"rule_text"`
	ScopeHint           ScopeHint `json:"scope_hint"`
	Tags                []string  `json:"tags,omitempty"`
}

// PromptPath selects between the legacy (domain-exemplar) and strict
// (schema-only) prompt variants (spec 4.5 "Prompt path").
type PromptPath string

const (
	PromptLegacy PromptPath = "legacy"
	PromptStrict PromptPath = "strict"
)

const maxRuleTextLen = 160

// genericPhrases rejects rule_text that restates no actionable rule.
var genericPhrases = []string{
	"be careful", "read the docs", "read the documentation", "pay attention",
	"double check", "double-check", "make sure to check", "try again",
	"be more careful", "verify your input",
}

// knownWrongPatterns is a curated defense against lesson poisoning: rule
// text matching these substrings encodes syntax the critic has previously
// hallucinated that the adapters actually reject.
var knownWrongPatterns = []string{
	"use semicolons to separate json keys",
	"wrap keys in backticks",
	"use single quotes for keys",
}

// Critic generates and filters candidate lessons.
type Critic struct {
	spi  model.SPI
	path PromptPath
}

// New builds a Critic calling spi under the given prompt path.
func New(spi model.SPI, path PromptPath) *Critic {
	if path == "" {
		path = PromptStrict
	}
	return &Critic{spi: spi, path: path}
}

const criticSystemPromptStrict = `You analyze a completed agent session and propose lessons for future sessions.
Respond with a strict JSON list. Each item has:
  "trigger_fingerprints": array of strings, must reference fingerprints that actually appeared in this session
  "rule_text": string, at most 160 characters, prefer "WRONG X -> CORRECT Y" form
  "scope_hint": one of "task", "domain", "global"
  "tags": optional array of strings
Return [] if no durable lesson applies. Do not include any text outside the JSON list.`

const criticSystemPromptLegacy = criticSystemPromptStrict + `
You may draw on common conventions for this kind of tool when phrasing the rule.`

// Propose calls the Model SPI and returns raw (pre-filter) candidates.
func (c *Critic) Propose(ctx context.Context, task string, trace []TraceEvent, refereeVerdict models.Verdict) ([]Candidate, error) {
	sys := criticSystemPromptStrict
	if c.path == PromptLegacy {
		sys = criticSystemPromptLegacy
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Text: sys},
		{Role: model.RoleUser, Text: buildTracePrompt(task, trace, refereeVerdict)},
	}
	turn, err := c.spi.Turn(ctx, messages, nil, model.StopConditions{MaxTokens: 1024})
	if err != nil {
		return nil, fmt.Errorf("critic: propose: %w", err)
	}

	var candidates []Candidate
	raw := extractJSONArray(strings.Join(turn.TextBlocks, ""))
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("critic: parse candidates: %w", err)
	}
	return candidates, nil
}

func buildTracePrompt(task string, trace []TraceEvent, verdict models.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nReferee verdict: %s\n\nSession trace:\n", task, verdict)
	for i, e := range trace {
		status := "ok"
		if !e.Succeeded {
			status = "error"
		}
		fmt.Fprintf(&b, "%d. tool=%s payload=%s status=%s", i+1, e.ToolName, e.Payload, status)
		if e.ErrorText != "" {
			fmt.Fprintf(&b, " error=%q", e.ErrorText)
		}
		if e.FingerprintSeen != "" {
			fmt.Fprintf(&b, " fingerprint=%s", e.FingerprintSeen)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func extractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return text[start : end+1]
}

// Filter applies the spec 4.5 quality filter, rejecting candidates that
// don't reference a fingerprint seen in this session, read as generic
// advice, or match a known-wrong pattern.
func Filter(candidates []Candidate, trace []TraceEvent) []Candidate {
	seen := make(map[string]bool, len(trace))
	for _, e := range trace {
		if e.FingerprintSeen != "" {
			seen[e.FingerprintSeen] = true
		}
	}

	var out []Candidate
	for _, c := range candidates {
		if !passesQualityFilter(c, seen) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func passesQualityFilter(c Candidate, seenFingerprints map[string]bool) bool {
	if strings.TrimSpace(c.RuleText) == "" {
		return false
	}
	if len(c.RuleText) > maxRuleTextLen {
		return false
	}
	if len(c.TriggerFingerprints) == 0 {
		return false
	}
	referencesSeen := false
	for _, fp := range c.TriggerFingerprints {
		if seenFingerprints[fp] {
			referencesSeen = true
			break
		}
	}
	if !referencesSeen {
		return false
	}

	lower := strings.ToLower(c.RuleText)
	for _, phrase := range genericPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	for _, pattern := range knownWrongPatterns {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	return true
}

// ToLessonCandidates converts filtered critic candidates into Lesson Store
// candidates, ready for Upsert.
func ToLessonCandidates(candidates []Candidate, domainKey, taskCluster, sessionID string, weightBlocked bool) []lesson.Candidate {
	out := make([]lesson.Candidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, lesson.Candidate{
			RuleText:            c.RuleText,
			TriggerFingerprints: c.TriggerFingerprints,
			ModelTags:           c.Tags,
			SystemTags:          deriveSystemTags(c),
			DomainKey:           domainKey,
			TaskCluster:         taskCluster,
			SourceSessionID:     sessionID,
			WeightBlocked:       weightBlocked,
		})
	}
	return out
}

func deriveSystemTags(c Candidate) []string {
	if c.ScopeHint == "" {
		return nil
	}
	return []string{"scope:" + string(c.ScopeHint)}
}

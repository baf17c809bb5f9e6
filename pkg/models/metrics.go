package models

import "time"

// EvalSource records which authority produced the session's final verdict.
type EvalSource string

const (
	EvalSourceContract      EvalSource = "contract"
	EvalSourceJudgeFallback EvalSource = "judge_fallback"
	EvalSourceJudgePrimary  EvalSource = "judge_primary"
	EvalSourceNone          EvalSource = "none"
)

// Verdict is the outcome of Referee evaluation.
type Verdict string

const (
	VerdictPass      Verdict = "pass"
	VerdictFail      Verdict = "fail"
	VerdictUncertain Verdict = "uncertain"
)

// SessionMetrics is the single summary record written per session.
type SessionMetrics struct {
	SchemaVersion int    `json:"schema_version"`
	SessionID     string `json:"session_id"`

	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
	Steps  int     `json:"steps"`

	ToolErrors int `json:"tool_errors"`

	V2PrerunLessonIDs   []string `json:"v2_prerun_lesson_ids"`
	V2LessonActivations int      `json:"v2_lesson_activations"`

	FingerprintRecurrenceBefore float64 `json:"fingerprint_recurrence_before"`
	FingerprintRecurrenceAfter  float64 `json:"fingerprint_recurrence_after"`

	ValidationRetryAttempts     int `json:"validation_retry_attempts"`
	ValidationRetryCappedEvents int `json:"validation_retry_capped_events"`

	EvalSource EvalSource `json:"eval_source"`
	Verdict    Verdict    `json:"verdict"`

	FailReason string `json:"fail_reason,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

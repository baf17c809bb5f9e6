package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting step-loop and
// memory-subsystem metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Session throughput and outcome (pass/fail/uncertain)
//   - Lesson retrieval activity across the strict/transfer lanes
//   - Lesson lifecycle transitions (promote/suppress/archive)
//   - Validation-retry pressure on the step loop
//   - Step count per session, for efficiency trending
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.SessionStarted()
//	defer metrics.SessionEnded(verdict, steps)
type Metrics struct {
	// SessionCounter counts completed sessions by verdict.
	// Labels: verdict (pass|fail|uncertain)
	SessionCounter *prometheus.CounterVec

	// ActiveSessions is a gauge of sessions currently running.
	ActiveSessions prometheus.Gauge

	// SessionSteps measures steps-to-completion per session.
	SessionSteps prometheus.Histogram

	// LessonRetrievals counts lesson retrievals by lane and retrieval point.
	// Labels: lane (strict|transfer), point (prerun|on_error)
	LessonRetrievals *prometheus.CounterVec

	// LessonTransitions counts lifecycle transitions by target status.
	// Labels: to (candidate|promoted|suppressed|archived)
	LessonTransitions *prometheus.CounterVec

	// ValidationRetries counts shape-invalid tool calls.
	// Labels: outcome (retried|capped)
	ValidationRetries *prometheus.CounterVec

	// ReflectionTurns counts forced reflection turns.
	// Labels: trigger (repetition|hard_failure|validation_cap)
	ReflectionTurns *prometheus.CounterVec

	// RefereeVerdicts counts final verdicts by evaluation source.
	// Labels: eval_source (contract|judge_fallback|judge_primary|none), verdict
	RefereeVerdicts *prometheus.CounterVec

	// ModelTurnDuration measures Model SPI call latency in seconds.
	// Labels: provider
	ModelTurnDuration *prometheus.HistogramVec

	// StoreIOErrors counts lesson-store persistence failures.
	StoreIOErrors prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_sessions_total",
				Help: "Total number of completed sessions by verdict",
			},
			[]string{"verdict"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cortex_active_sessions",
				Help: "Current number of sessions in progress",
			},
		),

		SessionSteps: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cortex_session_steps",
				Help:    "Steps taken to reach a session's terminal condition",
				Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 50},
			},
		),

		LessonRetrievals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_lesson_retrievals_total",
				Help: "Total lesson retrievals by lane and retrieval point",
			},
			[]string{"lane", "point"},
		),

		LessonTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_lesson_transitions_total",
				Help: "Total lesson lifecycle transitions by destination status",
			},
			[]string{"to"},
		),

		ValidationRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_validation_retries_total",
				Help: "Total shape-invalid tool calls by outcome",
			},
			[]string{"outcome"},
		),

		ReflectionTurns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_reflection_turns_total",
				Help: "Total forced reflection turns by trigger",
			},
			[]string{"trigger"},
		),

		RefereeVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_referee_verdicts_total",
				Help: "Total referee verdicts by evaluation source and verdict",
			},
			[]string{"eval_source", "verdict"},
		),

		ModelTurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_model_turn_duration_seconds",
				Help:    "Duration of Model SPI turn calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		StoreIOErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cortex_lesson_store_io_errors_total",
				Help: "Total lesson-store persistence failures causing a degrade to in-memory",
			},
		),
	}
}

// SessionStarted increments the active-sessions gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active-sessions gauge and records the
// session's verdict and step count.
func (m *Metrics) SessionEnded(verdict string, steps int) {
	m.ActiveSessions.Dec()
	m.SessionCounter.WithLabelValues(verdict).Inc()
	m.SessionSteps.Observe(float64(steps))
}

// RecordRetrieval records one retrieval-point call.
func (m *Metrics) RecordRetrieval(lane, point string) {
	m.LessonRetrievals.WithLabelValues(lane, point).Inc()
}

// RecordTransition records a lesson moving to a new lifecycle status.
func (m *Metrics) RecordTransition(to string) {
	m.LessonTransitions.WithLabelValues(to).Inc()
}

// RecordValidationRetry records one shape-invalid tool call, either
// retried within the cap or capped into a forced reflection turn.
func (m *Metrics) RecordValidationRetry(capped bool) {
	outcome := "retried"
	if capped {
		outcome = "capped"
	}
	m.ValidationRetries.WithLabelValues(outcome).Inc()
}

// RecordReflectionTurn records a forced reflection turn and its trigger.
func (m *Metrics) RecordReflectionTurn(trigger string) {
	m.ReflectionTurns.WithLabelValues(trigger).Inc()
}

// RecordRefereeVerdict records the final verdict for one session.
func (m *Metrics) RecordRefereeVerdict(evalSource, verdict string) {
	m.RefereeVerdicts.WithLabelValues(evalSource, verdict).Inc()
}

// RecordModelTurn records one Model SPI call's latency.
func (m *Metrics) RecordModelTurn(provider string, durationSeconds float64) {
	m.ModelTurnDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordStoreIOError records a lesson-store persistence failure.
func (m *Metrics) RecordStoreIOError() {
	m.StoreIOErrors.Inc()
}

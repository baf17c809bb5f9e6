package lesson

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/artemgetmann/cortex/pkg/models"
)

// DefaultArchivalAge is the minimum time a lesson must sit unretrieved
// before it is eligible for archival (spec 4.4).
const DefaultArchivalAge = 60 * 24 * time.Hour

// DefaultArchivalReliability is the reliability ceiling for archival: a
// lesson at or above this reliability is kept even if unused.
const DefaultArchivalReliability = 0.4

// ArchivalScheduler runs the spec 4.4 archival sweep ("a non-retrieved
// lesson older than a configurable age and with reliability < 0.4 moves to
// archived") on a cron schedule, so the rule is enforced even for lessons no
// session happens to touch.
type ArchivalScheduler struct {
	store      *Store
	cron       *cron.Cron
	age        time.Duration
	reliabCeil float64
	logger     *slog.Logger
	now        func() time.Time
}

// NewArchivalScheduler builds a scheduler over store. spec cron schedule
// defaults to once a day; callers may pass any standard 5-field expression.
func NewArchivalScheduler(store *Store, logger *slog.Logger) *ArchivalScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchivalScheduler{
		store:      store,
		cron:       cron.New(),
		age:        DefaultArchivalAge,
		reliabCeil: DefaultArchivalReliability,
		logger:     logger,
		now:        time.Now,
	}
}

// Start registers the sweep on schedule (e.g. "0 3 * * *" for daily at
// 03:00) and begins running it in the background. Call Stop to shut down.
func (a *ArchivalScheduler) Start(schedule string) error {
	_, err := a.cron.AddFunc(schedule, a.sweep)
	if err != nil {
		return err
	}
	a.cron.Start()
	return nil
}

// Stop halts the background cron runner, blocking until any in-flight sweep
// completes.
func (a *ArchivalScheduler) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
}

// Sweep runs the archival rule once, synchronously. Exported so callers
// (e.g. the `cortex lessons compact` CLI command) can trigger it on demand
// without waiting for the cron schedule.
func (a *ArchivalScheduler) Sweep() int { return a.sweep() }

func (a *ArchivalScheduler) sweep() int {
	cutoff := a.now().Add(-a.age)
	archived := 0
	for _, l := range a.store.Iter(Filter{}) {
		if l.Status == models.LessonArchived || l.Status == models.LessonSuppressed {
			continue
		}
		if l.Reliability >= a.reliabCeil {
			continue
		}
		lastUsed := l.LastRetrievedAt
		if lastUsed.IsZero() {
			lastUsed = l.CreatedAt
		}
		if lastUsed.After(cutoff) {
			continue
		}
		if err := a.store.Transition(l.ID, models.LessonArchived, "unused beyond archival age with low reliability"); err != nil {
			a.logger.Warn("archival sweep: transition failed", "lesson_id", l.ID, "error", err)
			continue
		}
		archived++
	}
	a.logger.Info("archival sweep complete", "archived_count", archived)
	return archived
}

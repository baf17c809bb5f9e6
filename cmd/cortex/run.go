package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/artemgetmann/cortex/internal/adapter/kv"
	"github.com/artemgetmann/cortex/internal/config"
	"github.com/artemgetmann/cortex/internal/critic"
	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/internal/lesson/sqlitestore"
	"github.com/artemgetmann/cortex/internal/model/anthropic"
	"github.com/artemgetmann/cortex/internal/observability"
	"github.com/artemgetmann/cortex/internal/promotion"
	"github.com/artemgetmann/cortex/internal/referee"
	"github.com/artemgetmann/cortex/internal/retrieval"
	"github.com/artemgetmann/cortex/internal/retry"
	"github.com/artemgetmann/cortex/internal/steploop"
)

// sessionDedupeWindow bounds how long a session ID stays "recently
// submitted" after a run starts. A retried CLI invocation or a
// crashed-and-resubmitted job arriving within this window is rejected
// rather than spending a second full session (and a second set of model
// calls) on work already in flight.
const sessionDedupeWindow = 10 * time.Minute

// sessionDedupe tracks session submissions per domain so the dedupe window
// is scoped to domain+session, not the bare session ID (two domains may
// reuse the same session ID without colliding).
type sessionDedupe struct {
	mu     sync.Mutex
	seenAt map[string]time.Time
	window time.Duration
}

func newSessionDedupe(window time.Duration) *sessionDedupe {
	return &sessionDedupe{seenAt: make(map[string]time.Time), window: window}
}

// checkAndMark reports whether domainKey+sessionID was already submitted
// within the dedupe window, and records this submission either way so a
// third attempt inside the window is rejected too.
func (d *sessionDedupe) checkAndMark(domainKey, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	key := domainKey + ":" + sessionID
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seenAt {
		if now.Sub(at) > d.window {
			delete(d.seenAt, k)
		}
	}

	duplicate := false
	if at, ok := d.seenAt[key]; ok && now.Sub(at) <= d.window {
		duplicate = true
	}
	d.seenAt[key] = now
	return duplicate
}

var runDedupe = newSessionDedupe(sessionDedupeWindow)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		task       string
		domainKey  string
		sessionID  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one session against a domain adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, configPath, task, domainKey, sessionID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cortex.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&task, "task", "", "Task text given to the agent")
	cmd.Flags().StringVar(&domainKey, "domain", "kv", "Domain adapter to run against (kv is the reference adapter)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session ID; required, and must be unique per run")
	cmd.MarkFlagRequired("task")
	cmd.MarkFlagRequired("session-id")
	return cmd
}

func runSession(cmd *cobra.Command, configPath, task, domainKey, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if runDedupe.checkAndMark(domainKey, sessionID) {
		return fmt.Errorf("session %q in domain %q was already submitted in the last %s", sessionID, domainKey, sessionDedupeWindow)
	}

	logger := observability.MustNewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open lesson store: %w", err)
	}
	defer closeStore()

	spi, err := anthropic.New(anthropic.Config{
		APIKey:       cfg.Model.APIKey,
		BaseURL:      cfg.Model.BaseURL,
		DefaultModel: cfg.Model.DefaultModel,
		RetryConfig: retry.Config{
			MaxAttempts: cfg.Model.MaxRetries,
		},
	})
	if err != nil {
		return fmt.Errorf("build model provider: %w", err)
	}

	adp, err := kv.New(domainKey)
	if err != nil {
		return fmt.Errorf("build adapter: %w", err)
	}

	ret := retrieval.New(store, retrieval.Config{
		TransferPolicy:    retrieval.TransferPolicy(cfg.Retrieval.TransferPolicy),
		PrerunTopK:        cfg.Retrieval.PrerunTopK,
		OnErrorTopM:       cfg.Retrieval.OnErrorTopM,
		TransferPrerunCap: cfg.Retrieval.TransferPrerunCap,
		TransferErrorCap:  cfg.Retrieval.TransferErrorCap,
	})

	var crit *critic.Critic
	if cfg.Learning.Mode == "on" {
		crit = critic.New(spi, critic.PromptPath(cfg.Learning.PromptPath))
	}
	prom := promotion.New(store)
	ref := referee.New(spi)

	loop, err := steploop.New(spi, adp, store, ret, crit, ref, prom, logger, steploop.Config{
		MaxSteps:                       cfg.StepLoop.MaxSteps,
		MaxValidationRetries:           cfg.StepLoop.MaxValidationRetries,
		RepetitionFingerprintThreshold: cfg.StepLoop.RepetitionFingerprintThreshold,
		HardFailureThreshold:           cfg.StepLoop.HardFailureThreshold,
		WallClockBudget:                cfg.StepLoop.WallClockBudget,
		MaxTurnTokens:                  cfg.StepLoop.MaxTurnTokens,
	})
	if err != nil {
		return fmt.Errorf("build step loop: %w", err)
	}

	metrics.SessionStarted()
	sessionMetrics, err := loop.Run(cmd.Context(), steploop.Task{
		SessionID: sessionID,
		Text:      task,
		DomainKey: domainKey,
	})
	if err != nil {
		return fmt.Errorf("run session: %w", err)
	}
	metrics.SessionEnded(string(sessionMetrics.Verdict), sessionMetrics.Steps)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sessionMetrics)
}

// openStore builds the configured lesson store backend, returning a close
// function that is a no-op for the JSONL backend (which holds no file
// handle between Upserts).
func openStore(cfg config.StoreConfig) (*lesson.Store, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		db, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		store, err := lesson.NewStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	default:
		persist := lesson.NewJSONLPersister(cfg.Path)
		store, err := lesson.NewStore(persist)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}


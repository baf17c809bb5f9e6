package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artemgetmann/cortex/internal/adapter/kv"
	"github.com/artemgetmann/cortex/internal/critic"
	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/internal/model/tape"
	"github.com/artemgetmann/cortex/internal/promotion"
	"github.com/artemgetmann/cortex/internal/referee"
	"github.com/artemgetmann/cortex/internal/retrieval"
	"github.com/artemgetmann/cortex/internal/steploop"
)

// buildReplayCmd creates the "replay" command: deterministically reruns a
// session against a recorded tape of model turns (see internal/model/tape),
// with no network call involved. Useful for debugging a past session and
// for reproducing testable property 9 ("identical task, identical pre-run
// lesson set, and a deterministic mock model produces identical
// fingerprints and candidate lessons") outside of a unit test.
func buildReplayCmd() *cobra.Command {
	var (
		tapePath  string
		task      string
		domainKey string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded tape of model turns through the step loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, tapePath, task, domainKey, sessionID)
		},
	}
	cmd.Flags().StringVar(&tapePath, "tape", "", "Path to a recorded tape JSON file")
	cmd.Flags().StringVar(&task, "task", "", "Task text given to the agent")
	cmd.Flags().StringVar(&domainKey, "domain", "kv", "Domain adapter to run against (kv is the reference adapter)")
	cmd.Flags().StringVar(&sessionID, "session-id", "replay", "Session ID to record against the in-memory lesson store")
	cmd.MarkFlagRequired("tape")
	cmd.MarkFlagRequired("task")
	return cmd
}

func runReplay(cmd *cobra.Command, tapePath, task, domainKey, sessionID string) error {
	raw, err := os.ReadFile(tapePath)
	if err != nil {
		return fmt.Errorf("read tape: %w", err)
	}
	recorded, err := tape.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("decode tape: %w", err)
	}
	player := tape.NewPlayer(recorded)

	store, err := lesson.NewStore(lesson.NewInMemoryPersister())
	if err != nil {
		return fmt.Errorf("build lesson store: %w", err)
	}
	adp, err := kv.New(domainKey)
	if err != nil {
		return fmt.Errorf("build adapter: %w", err)
	}
	ret := retrieval.New(store, retrieval.Config{})
	crit := critic.New(player, critic.PromptStrict)
	ref := referee.New(player)
	prom := promotion.New(store)

	loop, err := steploop.New(player, adp, store, ret, crit, ref, prom, nil, steploop.Config{})
	if err != nil {
		return fmt.Errorf("build step loop: %w", err)
	}

	metrics, err := loop.Run(cmd.Context(), steploop.Task{SessionID: sessionID, Text: task, DomainKey: domainKey})
	if err != nil {
		return fmt.Errorf("replay session: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(metrics)
}

// Package main provides the CLI entry point for cortex, the Memory V2
// subsystem and agent step loop.
//
// cortex runs single-agent sessions against a domain adapter, carrying
// lessons learned in one session forward to the next: retrieval before the
// run, hint injection on tool error, and a post-session critic/referee/
// promoter pipeline that proposes, scores, and promotes or suppresses
// lessons.
//
// # Basic Usage
//
// Run one session:
//
//	cortex run --config cortex.yaml --task "store x=y" --domain kv --session-id s1
//
// Inspect the lesson store:
//
//	cortex lessons stats --config cortex.yaml
//
// Check configuration and store health:
//
//	cortex doctor --config cortex.yaml
//
// # Environment Variables
//
// Configuration can be overridden via environment variables; see
// internal/config for the full list (CORTEX_MODEL_API_KEY,
// CORTEX_STORE_BACKEND, CORTEX_TRANSFER_POLICY, CORTEX_LOG_LEVEL, ...).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cortex",
		Short: "cortex - cross-session learning for a single LLM agent",
		Long: `cortex runs an agent's step loop against a domain adapter and carries
lessons learned in one session forward into the next.

Model transport: Anthropic (Claude)
Lesson store backends: JSONL (default), sqlite`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildReplayCmd(),
		buildLessonsCmd(),
		buildDoctorCmd(),
	)
	return rootCmd
}

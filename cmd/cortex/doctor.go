package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artemgetmann/cortex/internal/config"
)

// buildDoctorCmd creates the "doctor" command: validates the configuration
// file and confirms the configured lesson store backend is reachable,
// without running a session or calling the model.
func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and lesson store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cortex.yaml", "Path to YAML configuration file")
	return cmd
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "config: FAIL (%v)\n", err)
		return err
	}
	fmt.Fprintln(out, "config: OK")

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		fmt.Fprintf(out, "store (%s at %s): FAIL (%v)\n", cfg.Store.Backend, cfg.Store.Path, err)
		return err
	}
	defer closeStore()
	fmt.Fprintf(out, "store (%s at %s): OK\n", cfg.Store.Backend, cfg.Store.Path)

	if degraded, derr := store.Degraded(); derr != nil || degraded {
		fmt.Fprintf(out, "store health: DEGRADED (load error: %v) — falling back to an empty store\n", derr)
	} else {
		fmt.Fprintln(out, "store health: OK")
	}

	fmt.Fprintf(out, "learning mode: %s (prompt path: %s)\n", cfg.Learning.Mode, cfg.Learning.PromptPath)
	fmt.Fprintf(out, "retrieval transfer policy: %s\n", cfg.Retrieval.TransferPolicy)
	return nil
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/artemgetmann/cortex/internal/config"
	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/pkg/models"
)

// buildLessonsCmd creates the "lessons" command group for inspecting and
// maintaining the lesson store directly, without running a session.
func buildLessonsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lessons",
		Short: "Inspect and maintain the lesson store",
	}
	cmd.AddCommand(
		buildLessonsSearchCmd(),
		buildLessonsStatsCmd(),
		buildLessonsCompactCmd(),
	)
	return cmd
}

func buildLessonsSearchCmd() *cobra.Command {
	var (
		configPath string
		domainKey  string
		status     string
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search lessons by rule text substring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLessonsSearch(cmd, configPath, args[0], domainKey, status)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cortex.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&domainKey, "domain", "", "Restrict to one domain (empty means all)")
	cmd.Flags().StringVar(&status, "status", "", "Restrict to one lifecycle status (candidate, promoted, suppressed, archived)")
	return cmd
}

func runLessonsSearch(cmd *cobra.Command, configPath, query, domainKey, status string) error {
	store, closeStore, err := openLessonStore(configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	filter := lesson.Filter{DomainKey: domainKey}
	if status != "" {
		filter.Status = models.LessonStatus(status)
	}

	out := cmd.OutOrStdout()
	query = strings.ToLower(query)
	matched := 0
	for _, l := range store.Iter(filter) {
		if query != "" && !strings.Contains(strings.ToLower(l.RuleText), query) {
			continue
		}
		matched++
		fmt.Fprintf(out, "[%s] (%s, %s, reliability=%.2f) %s\n", l.ID, l.DomainKey, l.Status, l.Reliability, l.RuleText)
	}
	if matched == 0 {
		fmt.Fprintln(out, "No lessons matched.")
	}
	return nil
}

func buildLessonsStatsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show lesson counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLessonsStats(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cortex.yaml", "Path to YAML configuration file")
	return cmd
}

func runLessonsStats(cmd *cobra.Command, configPath string) error {
	store, closeStore, err := openLessonStore(configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	counts := map[models.LessonStatus]int{}
	for _, l := range store.Iter(lesson.Filter{}) {
		counts[l.Status]++
	}

	out := cmd.OutOrStdout()
	for _, status := range []models.LessonStatus{models.LessonCandidate, models.LessonPromoted, models.LessonSuppressed, models.LessonArchived} {
		fmt.Fprintf(out, "%-10s %d\n", status, counts[status])
	}
	return nil
}

func buildLessonsCompactCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Run the archival sweep once, synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLessonsCompact(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cortex.yaml", "Path to YAML configuration file")
	return cmd
}

func runLessonsCompact(cmd *cobra.Command, configPath string) error {
	store, closeStore, err := openLessonStore(configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	scheduler := lesson.NewArchivalScheduler(store, nil)
	archived := scheduler.Sweep()
	fmt.Fprintf(cmd.OutOrStdout(), "archived %d lesson(s)\n", archived)
	return nil
}

// openLessonStore loads config and opens its configured store backend,
// without building the model/adapter/step-loop machinery runSession needs.
func openLessonStore(configPath string) (*lesson.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return openStore(cfg.Store)
}

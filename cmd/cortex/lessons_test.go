package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/pkg/models"
)

func writeTestConfig(t *testing.T, dir, storePath string) string {
	t.Helper()
	path := filepath.Join(dir, "cortex.yaml")
	contents := "version: 1\nmodel:\n  api_key: sk-ant-test\nstore:\n  backend: jsonl\n  path: " + storePath + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func seedLessons(t *testing.T, storePath string) {
	t.Helper()
	store, err := lesson.NewStore(lesson.NewJSONLPersister(storePath))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Upsert(lesson.Candidate{
		RuleText:            "WRONG get before set -> CORRECT set before get",
		TriggerFingerprints: []string{"kv:key not found"},
		DomainKey:           "kv",
		SourceSessionID:     "seed",
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestLessonsSearchFindsSeededLesson(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "lessons.jsonl")
	seedLessons(t, storePath)
	configPath := writeTestConfig(t, dir, storePath)

	var out bytes.Buffer
	cmd := buildLessonsSearchCmd()
	cmd.SetArgs([]string{"--config", configPath, "set before get"})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "set before get") {
		t.Fatalf("expected match in output, got %q", out.String())
	}
}

func TestLessonsStatsCountsCandidates(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "lessons.jsonl")
	seedLessons(t, storePath)
	configPath := writeTestConfig(t, dir, storePath)

	var out bytes.Buffer
	cmd := buildLessonsStatsCmd()
	cmd.SetArgs([]string{"--config", configPath})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	line := out.String()
	if !strings.Contains(line, string(models.LessonCandidate)) || !strings.Contains(line, "1") {
		t.Fatalf("expected one candidate lesson counted in output, got %q", line)
	}
}

func TestLessonsCompactReportsZeroWhenNothingEligible(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "lessons.jsonl")
	seedLessons(t, storePath)
	configPath := writeTestConfig(t, dir, storePath)

	var out bytes.Buffer
	cmd := buildLessonsCompactCmd()
	cmd.SetArgs([]string{"--config", configPath})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "archived 0 lesson") {
		t.Fatalf("expected 0 lessons archived (too new), got %q", out.String())
	}
}

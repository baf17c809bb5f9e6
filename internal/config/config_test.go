package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1
model:
  api_key: sk-ant-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.DefaultModel == "" {
		t.Error("expected default model to be filled in")
	}
	if cfg.Store.Backend != "jsonl" {
		t.Errorf("expected default store backend jsonl, got %q", cfg.Store.Backend)
	}
	if cfg.Retrieval.TransferPolicy != "auto" {
		t.Errorf("expected default transfer policy auto, got %q", cfg.Retrieval.TransferPolicy)
	}
	if cfg.StepLoop.MaxSteps != 30 {
		t.Errorf("expected default max_steps 30, got %d", cfg.StepLoop.MaxSteps)
	}
	if cfg.Learning.Mode != "on" {
		t.Errorf("expected default learning mode on, got %q", cfg.Learning.Mode)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
version: 1
model:
  api_key: sk-ant-test
  bogus_field: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	path := writeConfig(t, `
version: 1
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error for missing api_key")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key error, got %v", err)
	}
}

func TestLoadRequiresAPIKeyButEnvOverrideSatisfiesIt(t *testing.T) {
	path := writeConfig(t, `
version: 1
`)

	t.Setenv("CORTEX_MODEL_API_KEY", "sk-ant-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.APIKey != "sk-ant-from-env" {
		t.Errorf("expected env override to populate api_key, got %q", cfg.Model.APIKey)
	}
}

func TestLoadValidatesTransferPolicy(t *testing.T) {
	path := writeConfig(t, `
version: 1
model:
  api_key: sk-ant-test
retrieval:
  transfer_policy: sometimes
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "transfer_policy") {
		t.Fatalf("expected transfer_policy error, got %v", err)
	}
}

func TestLoadValidatesStoreBackend(t *testing.T) {
	path := writeConfig(t, `
version: 1
model:
  api_key: sk-ant-test
store:
  backend: postgres
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "store.backend") {
		t.Fatalf("expected store.backend error, got %v", err)
	}
}

func TestLoadValidatesLearningMode(t *testing.T) {
	path := writeConfig(t, `
version: 1
model:
  api_key: sk-ant-test
learning:
  mode: maybe
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "learning.mode") {
		t.Fatalf("expected learning.mode error, got %v", err)
	}
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	path := writeConfig(t, `
model:
  api_key: sk-ant-test
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected version validation error")
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte("model:\n  default_model: claude-opus-4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile(base) error = %v", err)
	}
	mainPath := filepath.Join(dir, "cortex.yaml")
	contents := "$include: base.yaml\nversion: 1\nmodel:\n  api_key: sk-ant-test\n"
	if err := os.WriteFile(mainPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(main) error = %v", err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.DefaultModel != "claude-opus-4" {
		t.Errorf("expected included default_model to merge in, got %q", cfg.Model.DefaultModel)
	}
}

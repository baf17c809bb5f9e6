package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level configuration for a cortex run.
type Config struct {
	Version int `yaml:"version"`

	Model     ModelConfig     `yaml:"model"`
	Store     StoreConfig     `yaml:"store"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	StepLoop  StepLoopConfig  `yaml:"step_loop"`
	Learning  LearningConfig  `yaml:"learning"`
	Archival  ArchivalConfig  `yaml:"archival"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ModelConfig configures the Model SPI transport (internal/model/anthropic).
type ModelConfig struct {
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
}

// StoreConfig selects and configures the Lesson Store backend.
type StoreConfig struct {
	// Backend is "jsonl" (default, spec 4.2 reference implementation) or
	// "sqlite" (internal/lesson/sqlitestore).
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// RetrievalConfig mirrors internal/retrieval.Config, expressed in YAML.
type RetrievalConfig struct {
	// TransferPolicy is "off", "auto", or "always" (internal/retrieval.TransferPolicy).
	TransferPolicy    string `yaml:"transfer_policy"`
	PrerunTopK        int    `yaml:"prerun_top_k"`
	OnErrorTopM       int    `yaml:"on_error_top_m"`
	TransferPrerunCap int    `yaml:"transfer_prerun_cap"`
	TransferErrorCap  int    `yaml:"transfer_error_cap"`
}

// StepLoopConfig mirrors internal/steploop.Config.
type StepLoopConfig struct {
	MaxSteps                       int           `yaml:"max_steps"`
	MaxValidationRetries           int           `yaml:"max_validation_retries"`
	RepetitionFingerprintThreshold int           `yaml:"repetition_fingerprint_threshold"`
	HardFailureThreshold           int           `yaml:"hard_failure_threshold"`
	WallClockBudget                time.Duration `yaml:"wall_clock_budget"`
	MaxTurnTokens                  int           `yaml:"max_turn_tokens"`
}

// LearningConfig controls whether the post-session critic/promoter pipeline
// runs at all, and which critic prompt path it uses.
type LearningConfig struct {
	// Mode is "on" (default) or "off". With "off", sessions still run and
	// retrieve existing lessons, but no new candidates are proposed.
	Mode string `yaml:"mode"`
	// PromptPath is "strict" (default) or "legacy" (internal/critic.PromptPath).
	PromptPath string `yaml:"prompt_path"`
}

// ArchivalConfig configures internal/lesson.ArchivalScheduler.
type ArchivalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// LoggingConfig configures internal/observability.Logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads, merges (via $include), and validates the configuration at
// path, applying environment overrides and defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Model.DefaultModel == "" {
		cfg.Model.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = 60 * time.Second
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "jsonl"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "lessons.jsonl"
	}

	if cfg.Retrieval.TransferPolicy == "" {
		cfg.Retrieval.TransferPolicy = "auto"
	}
	if cfg.Retrieval.PrerunTopK == 0 {
		cfg.Retrieval.PrerunTopK = 10
	}
	if cfg.Retrieval.OnErrorTopM == 0 {
		cfg.Retrieval.OnErrorTopM = 2
	}
	if cfg.Retrieval.TransferPrerunCap == 0 {
		cfg.Retrieval.TransferPrerunCap = 2
	}
	if cfg.Retrieval.TransferErrorCap == 0 {
		cfg.Retrieval.TransferErrorCap = 1
	}

	if cfg.StepLoop.MaxSteps == 0 {
		cfg.StepLoop.MaxSteps = 30
	}
	if cfg.StepLoop.MaxValidationRetries == 0 {
		cfg.StepLoop.MaxValidationRetries = 2
	}
	if cfg.StepLoop.RepetitionFingerprintThreshold == 0 {
		cfg.StepLoop.RepetitionFingerprintThreshold = 2
	}
	if cfg.StepLoop.HardFailureThreshold == 0 {
		cfg.StepLoop.HardFailureThreshold = 3
	}
	if cfg.StepLoop.WallClockBudget == 0 {
		cfg.StepLoop.WallClockBudget = 5 * time.Minute
	}
	if cfg.StepLoop.MaxTurnTokens == 0 {
		cfg.StepLoop.MaxTurnTokens = 2048
	}

	if cfg.Learning.Mode == "" {
		cfg.Learning.Mode = "on"
	}
	if cfg.Learning.PromptPath == "" {
		cfg.Learning.PromptPath = "strict"
	}

	if cfg.Archival.Schedule == "" {
		cfg.Archival.Schedule = "@every 24h"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("CORTEX_MODEL_API_KEY")); value != "" {
		cfg.Model.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_MODEL_ID")); value != "" {
		cfg.Model.DefaultModel = value
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_MODEL_BASE_URL")); value != "" {
		cfg.Model.BaseURL = value
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_MODEL_TIMEOUT")); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			cfg.Model.Timeout = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_STORE_BACKEND")); value != "" {
		cfg.Store.Backend = value
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_STORE_PATH")); value != "" {
		cfg.Store.Path = value
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_TRANSFER_POLICY")); value != "" {
		cfg.Retrieval.TransferPolicy = value
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_LEARNING_MODE")); value != "" {
		cfg.Learning.Mode = value
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_MAX_STEPS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.StepLoop.MaxSteps = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("CORTEX_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
}

// ConfigValidationError reports one or more configuration problems found
// during Load.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Backend)) {
	case "jsonl", "sqlite":
	default:
		issues = append(issues, "store.backend must be \"jsonl\" or \"sqlite\"")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Retrieval.TransferPolicy)) {
	case "off", "auto", "always":
	default:
		issues = append(issues, "retrieval.transfer_policy must be \"off\", \"auto\", or \"always\"")
	}
	if cfg.Retrieval.PrerunTopK < 0 {
		issues = append(issues, "retrieval.prerun_top_k must be >= 0")
	}
	if cfg.Retrieval.OnErrorTopM < 0 {
		issues = append(issues, "retrieval.on_error_top_m must be >= 0")
	}

	if cfg.StepLoop.MaxSteps <= 0 {
		issues = append(issues, "step_loop.max_steps must be > 0")
	}
	if cfg.StepLoop.WallClockBudget < 0 {
		issues = append(issues, "step_loop.wall_clock_budget must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Learning.Mode)) {
	case "on", "off":
	default:
		issues = append(issues, "learning.mode must be \"on\" or \"off\"")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Learning.PromptPath)) {
	case "strict", "legacy":
	default:
		issues = append(issues, "learning.prompt_path must be \"strict\" or \"legacy\"")
	}

	if strings.TrimSpace(cfg.Model.APIKey) == "" {
		issues = append(issues, "model.api_key is required (or set CORTEX_MODEL_API_KEY)")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

// Package config provides configuration loading and validation for the conductor.
//
// Configuration is strictly separated from state: phases, artifacts, and events
// live in the database, never here. Settings load once from a YAML file, are
// validated before use, and are returned by value so callers cannot mutate the
// loaded instance.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/pkg/logx"
)

// Default values applied when the YAML file omits a field.
const (
	DefaultDBFile            = "conductor.db"
	DefaultEventLogDir       = "logs"
	DefaultWorkspaceDir      = "workspace"
	DefaultLLMTimeout        = 120 * time.Second
	DefaultMaxContextTokens  = 100000
	DefaultMaxOutputTokens   = 8192
	DefaultMaxRepairAttempts = 3
	// DeterministicTemperatureCap is the ceiling for determinism-constrained envelopes.
	DeterministicTemperatureCap = 0.3
)

// LLMConfig holds provider settings for model calls.
type LLMConfig struct {
	Provider         string        `yaml:"provider"` // anthropic | openai | ollama | gemini | mock
	Model            string        `yaml:"model"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxContextTokens int           `yaml:"max_context_tokens"`
	MaxOutputTokens  int           `yaml:"max_output_tokens"`
	OllamaHost       string        `yaml:"ollama_host,omitempty"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PrometheusURL string `yaml:"prometheus_url,omitempty"`
}

// Config is the root configuration for one conductor process.
type Config struct {
	ProjectDir        string        `yaml:"project_dir"`
	DBPath            string        `yaml:"db_path"`
	EventLogDir       string        `yaml:"event_log_dir"`
	WorkspaceDir      string        `yaml:"workspace_dir"`
	MaxRepairAttempts int           `yaml:"max_repair_attempts"`
	LLM               LLMConfig     `yaml:"llm"`
	Metrics           MetricsConfig `yaml:"metrics"`
}

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	loaded *Config
	mu     sync.RWMutex
	logger = logx.NewLogger("config")
)

// Load reads the YAML config from projectDir/conductor.yaml, applies defaults,
// validates, and installs it as the process config. A missing file yields the
// default config rooted at projectDir.
func Load(projectDir string) (Config, error) {
	cfg := defaults(projectDir)

	path := filepath.Join(projectDir, "conductor.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Info("no config file at %s, using defaults", path)
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		applyDefaults(&cfg, projectDir)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	mu.Lock()
	loaded = &cfg
	mu.Unlock()
	return cfg, nil
}

// Get returns the loaded config by value.
func Get() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if loaded == nil {
		return Config{}, fmt.Errorf("config not loaded")
	}
	return *loaded, nil
}

func defaults(projectDir string) Config {
	cfg := Config{ProjectDir: projectDir}
	applyDefaults(&cfg, projectDir)
	return cfg
}

func applyDefaults(cfg *Config, projectDir string) {
	if cfg.ProjectDir == "" {
		cfg.ProjectDir = projectDir
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.ProjectDir, DefaultDBFile)
	}
	if cfg.EventLogDir == "" {
		cfg.EventLogDir = filepath.Join(cfg.ProjectDir, DefaultEventLogDir)
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.ProjectDir, DefaultWorkspaceDir)
	}
	if cfg.MaxRepairAttempts == 0 {
		cfg.MaxRepairAttempts = DefaultMaxRepairAttempts
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = DefaultLLMTimeout
	}
	if cfg.LLM.MaxContextTokens == 0 {
		cfg.LLM.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.LLM.MaxOutputTokens == 0 {
		cfg.LLM.MaxOutputTokens = DefaultMaxOutputTokens
	}
}

// Validate rejects configurations that would corrupt pipeline behavior.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai", "ollama", "gemini", "mock":
	default:
		return fmt.Errorf("invalid config: unknown llm provider %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("invalid config: llm timeout must be positive, got %s", c.LLM.Timeout)
	}
	if c.MaxRepairAttempts < 1 {
		return fmt.Errorf("invalid config: max_repair_attempts must be >= 1, got %d", c.MaxRepairAttempts)
	}
	if c.Metrics.Enabled && c.Metrics.PrometheusURL == "" {
		return fmt.Errorf("invalid config: metrics enabled but prometheus_url empty")
	}
	return nil
}

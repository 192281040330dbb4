// Package config loads and validates the runtime's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomlabs/loom/internal/interaction"
	"github.com/loomlabs/loom/pkg/models"
)

// Config is the main configuration structure.
type Config struct {
	Mode    string        `yaml:"mode"`
	LLM     LLMConfig     `yaml:"llm"`
	Agent   AgentConfig   `yaml:"agent"`
	Context ContextConfig `yaml:"context"`
	Storage StorageConfig `yaml:"storage"`
	Expiry  ExpiryConfig  `yaml:"expiry"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`

	// CredentialsFile, when set, is watched for per-source tool credential
	// rotations.
	CredentialsFile string `yaml:"credentials_file"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"` // openai or anthropic
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type AgentConfig struct {
	Model                    string        `yaml:"model"`
	Temperature              float64       `yaml:"temperature"`
	MaxTokens                int           `yaml:"max_tokens"`
	SystemPrompt             string        `yaml:"system_prompt"`
	MaxToolCallContinuations int           `yaml:"max_tool_call_continuations"`
	ExecutionStrategy        string        `yaml:"execution_strategy"`
	ToolConcurrency          int           `yaml:"tool_concurrency"`
	ToolTimeout              time.Duration `yaml:"tool_timeout"`
}

type ContextConfig struct {
	TokenThreshold      int    `yaml:"token_threshold"`
	SummaryTargetTokens int    `yaml:"summary_target_tokens"`
	ReservedTokens      int    `yaml:"reserved_tokens"`
	SummarizationModel  string `yaml:"summarization_model"`
	HistoryLimit        int    `yaml:"history_limit"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // memory or sqlite
	Path    string `yaml:"path"`    // sqlite only
}

type ExpiryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads and parses the configuration file, expanding environment
// variables and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = string(interaction.ModeGenericOpenAPI)
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.Agent.MaxToolCallContinuations == 0 {
		cfg.Agent.MaxToolCallContinuations = 10
	}
	if cfg.Agent.ExecutionStrategy == "" {
		cfg.Agent.ExecutionStrategy = string(models.StrategySequential)
	}
	if cfg.Context.TokenThreshold == 0 {
		cfg.Context.TokenThreshold = 120000
	}
	if cfg.Context.SummaryTargetTokens == 0 {
		cfg.Context.SummaryTargetTokens = 2000
	}
	if cfg.Context.ReservedTokens == 0 {
		cfg.Context.ReservedTokens = 8000
	}
	if cfg.Context.SummarizationModel == "" {
		cfg.Context.SummarizationModel = cfg.Agent.Model
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Expiry.Schedule == "" {
		cfg.Expiry.Schedule = "*/5 * * * *"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects inconsistent setups before anything is constructed.
func (c *Config) Validate() error {
	switch interaction.Mode(c.Mode) {
	case interaction.ModeGenericOpenAPI, interaction.ModeHierarchicalPlanner, interaction.ModeToolsetsRouter:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}

	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("config: agent.model is required")
	}
	if c.Agent.MaxToolCallContinuations < 0 {
		return fmt.Errorf("config: agent.max_tool_call_continuations must not be negative")
	}
	switch models.ExecutionStrategy(c.Agent.ExecutionStrategy) {
	case models.StrategySequential, models.StrategyParallel:
	default:
		return fmt.Errorf("config: unknown execution strategy %q", c.Agent.ExecutionStrategy)
	}

	if c.Context.TokenThreshold <= c.Context.SummaryTargetTokens+c.Context.ReservedTokens {
		return fmt.Errorf("config: context.token_threshold (%d) must exceed summary_target_tokens+reserved_tokens (%d)",
			c.Context.TokenThreshold, c.Context.SummaryTargetTokens+c.Context.ReservedTokens)
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

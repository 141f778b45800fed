// Package config loads tark's TOML configuration and the user-editable
// policy files (approval patterns and MCP overrides). User files never
// touch the immutable rule matrix; they only contribute patterns and
// per-server tool risk overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/thoughtoinnovate/tark/pkg/errors"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultMaxIterations    = 50
	DefaultProvider         = "openai"
	DefaultThinkingBudget   = 50000
	DefaultReasoningEffort  = "medium"
	DefaultShellTimeoutSecs = 120
)

// Config represents the complete tark configuration.
type Config struct {
	Agent    AgentConfig    `toml:"agent"`
	LLM      LLMConfig      `toml:"llm"`
	Thinking ThinkingConfig `toml:"thinking"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	MaxIterations int `toml:"max_iterations"`
}

// LLMConfig selects providers.
type LLMConfig struct {
	DefaultProvider  string   `toml:"default_provider"`
	EnabledProviders []string `toml:"enabled_providers"`
}

// ThinkingConfig controls extended reasoning budgets.
type ThinkingConfig struct {
	Enabled                 bool                     `toml:"enabled"`
	MaxBudgetTokens         uint32                   `toml:"max_budget_tokens"`
	FallbackReasoningEffort string                   `toml:"fallback_reasoning_effort"`
	Models                  map[string]ThinkingModel `toml:"models"`
}

// ThinkingModel overrides thinking behavior for one model id.
type ThinkingModel struct {
	BudgetTokens    uint32 `toml:"budget_tokens"`
	ReasoningEffort string `toml:"reasoning_effort"`
	Disabled        bool   `toml:"disabled"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration from path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "read config")
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "parse config")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = DefaultProvider
	}
	if len(c.LLM.EnabledProviders) == 0 {
		c.LLM.EnabledProviders = []string{"openai", "anthropic", "google", "ollama"}
	}
	if c.Thinking.MaxBudgetTokens == 0 {
		c.Thinking.MaxBudgetTokens = DefaultThinkingBudget
	}
	if c.Thinking.FallbackReasoningEffort == "" {
		c.Thinking.FallbackReasoningEffort = DefaultReasoningEffort
	}
}

// Validate rejects configurations that cannot drive the agent.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return errors.New(errors.KindConfig, "agent.max_iterations must be positive")
	}
	switch c.Thinking.FallbackReasoningEffort {
	case "low", "medium", "high":
	default:
		return errors.Newf(errors.KindConfig, "thinking.fallback_reasoning_effort %q is not low|medium|high", c.Thinking.FallbackReasoningEffort)
	}
	enabled := make(map[string]bool, len(c.LLM.EnabledProviders))
	for _, p := range c.LLM.EnabledProviders {
		enabled[p] = true
	}
	if !enabled[c.LLM.DefaultProvider] {
		return errors.Newf(errors.KindConfig, "llm.default_provider %q is not in enabled_providers", c.LLM.DefaultProvider)
	}
	return nil
}

// ThinkingFor resolves the effective thinking settings for a model id.
func (c *Config) ThinkingFor(modelID string) (enabled bool, budget uint32, effort string) {
	if !c.Thinking.Enabled {
		return false, 0, ""
	}
	budget = c.Thinking.MaxBudgetTokens
	effort = c.Thinking.FallbackReasoningEffort
	if override, ok := c.Thinking.Models[modelID]; ok {
		if override.Disabled {
			return false, 0, ""
		}
		if override.BudgetTokens > 0 {
			budget = override.BudgetTokens
		}
		if override.ReasoningEffort != "" {
			effort = override.ReasoningEffort
		}
	}
	if budget > c.Thinking.MaxBudgetTokens {
		budget = c.Thinking.MaxBudgetTokens
	}
	return true, budget, effort
}

// UserConfigDir returns tark's directory under the OS user config dir.
func UserConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "tark"), nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d, want %d", cfg.Agent.MaxIterations, DefaultMaxIterations)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Errorf("DefaultProvider = %q", cfg.LLM.DefaultProvider)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", `
[agent]
max_iterations = 25

[llm]
default_provider = "anthropic"
enabled_providers = ["anthropic", "ollama"]

[thinking]
enabled = true
max_budget_tokens = 30000
fallback_reasoning_effort = "high"

[thinking.models."claude-large"]
budget_tokens = 20000
reasoning_effort = "low"

[thinking.models."tiny-model"]
disabled = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 25 {
		t.Errorf("MaxIterations = %d", cfg.Agent.MaxIterations)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	enabled, budget, effort := cfg.ThinkingFor("claude-large")
	if !enabled || budget != 20000 || effort != "low" {
		t.Errorf("ThinkingFor(claude-large) = %v %d %q", enabled, budget, effort)
	}

	enabled, _, _ = cfg.ThinkingFor("tiny-model")
	if enabled {
		t.Error("disabled model override should turn thinking off")
	}

	enabled, budget, effort = cfg.ThinkingFor("other-model")
	if !enabled || budget != 30000 || effort != "high" {
		t.Errorf("ThinkingFor(other) = %v %d %q", enabled, budget, effort)
	}
}

func TestThinkingBudgetClamped(t *testing.T) {
	cfg := Default()
	cfg.Thinking.Enabled = true
	cfg.Thinking.MaxBudgetTokens = 10000
	cfg.Thinking.Models = map[string]ThinkingModel{
		"big": {BudgetTokens: 99999},
	}

	_, budget, _ := cfg.ThinkingFor("big")
	if budget != 10000 {
		t.Errorf("budget = %d, want clamped to 10000", budget)
	}
}

func TestValidateRejectsBadEffort(t *testing.T) {
	cfg := Default()
	cfg.Thinking.FallbackReasoningEffort = "extreme"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for bad effort")
	}
}

func TestValidateRejectsDisabledDefaultProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.DefaultProvider = "anthropic"
	cfg.LLM.EnabledProviders = []string{"openai"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for provider not enabled")
	}
}

func TestLoadPatterns(t *testing.T) {
	path := writeFile(t, t.TempDir(), "patterns.toml", `
[[approvals]]
tool = "run_shell"
pattern = "go test"
match_type = "prefix"

[[denials]]
tool = "run_shell"
pattern = "curl *"
match_type = "glob"
`)

	pf, err := LoadPatterns(path)
	if err != nil {
		t.Fatalf("LoadPatterns: %v", err)
	}
	if len(pf.Approvals) != 1 || pf.Approvals[0].Pattern != "go test" {
		t.Errorf("Approvals = %+v", pf.Approvals)
	}
	if len(pf.Denials) != 1 || pf.Denials[0].MatchType != "glob" {
		t.Errorf("Denials = %+v", pf.Denials)
	}
}

func TestLoadPatternsMissing(t *testing.T) {
	pf, err := LoadPatterns(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadPatterns: %v", err)
	}
	if len(pf.Approvals) != 0 || len(pf.Denials) != 0 {
		t.Error("missing file should yield empty patterns")
	}
}

func TestLoadMCP(t *testing.T) {
	path := writeFile(t, t.TempDir(), "mcp.toml", `
[[tools]]
server = "files"
tool = "write"
risk = "risky"
needs_approval = true
allow_save_pattern = false
`)

	mf, err := LoadMCP(path)
	if err != nil {
		t.Fatalf("LoadMCP: %v", err)
	}
	if len(mf.Tools) != 1 || mf.Tools[0].Server != "files" || mf.Tools[0].Risk != "risky" {
		t.Errorf("Tools = %+v", mf.Tools)
	}
}

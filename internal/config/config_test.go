package config

import (
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() returned error: %v", err)
	}
}

func TestFromSettings_OverlaysDefaults(t *testing.T) {
	t.Parallel()

	settings := map[string]any{
		"engine": map[string]any{
			"max_concurrency": 8,
			"backoff_initial": "10ms",
			"model_tiers":     "small,large",
		},
		"store": map[string]any{
			"terminal_ttl": "2m",
		},
		"outbound": map[string]any{
			"allowlist": []any{"api.example.com", "*.example.org"},
		},
	}

	cfg, err := FromSettings(settings)
	if err != nil {
		t.Fatalf("FromSettings returned error: %v", err)
	}
	if cfg.Engine.MaxConcurrency != 8 {
		t.Fatalf("max_concurrency = %d, want 8", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.BackoffInitial != 10*time.Millisecond {
		t.Fatalf("backoff_initial = %v, want 10ms", cfg.Engine.BackoffInitial)
	}
	if got := cfg.Engine.ModelTiers; len(got) != 2 || got[0] != "small" || got[1] != "large" {
		t.Fatalf("model_tiers = %v, want [small large]", got)
	}
	if cfg.Store.TerminalTTL != 2*time.Minute {
		t.Fatalf("terminal_ttl = %v, want 2m", cfg.Store.TerminalTTL)
	}
	if cfg.Store.ActiveTTL != Default().Store.ActiveTTL {
		t.Fatalf("active_ttl = %v, want default", cfg.Store.ActiveTTL)
	}
	if len(cfg.Outbound.Allowlist) != 2 {
		t.Fatalf("allowlist = %v, want 2 entries", cfg.Outbound.Allowlist)
	}
	if cfg.RateLimit.MaxRunning != Default().RateLimit.MaxRunning {
		t.Fatalf("rate_limit.max_running = %d, want default", cfg.RateLimit.MaxRunning)
	}
}

func TestValidateSettings_AllowsOpenAIProviderWithAPIKeyEnv(t *testing.T) {
	t.Parallel()

	settings := map[string]any{
		"provider": map[string]any{
			"type":        ProviderOpenAI,
			"model":       "gpt-4o",
			"api_key_env": "OPENAI_API_KEY",
			"timeout":     "45s",
		},
		"budgets": map[string]any{
			"max_steps": 5,
		},
	}

	if err := ValidateSettings(settings); err != nil {
		t.Fatalf("ValidateSettings returned error: %v", err)
	}
}

func TestValidateSettings_RejectsOpenAIProviderWithoutAPIKey(t *testing.T) {
	t.Parallel()

	settings := map[string]any{
		"provider": map[string]any{
			"type":  ProviderOpenAI,
			"model": "gpt-4o",
		},
	}

	if err := ValidateSettings(settings); err == nil {
		t.Fatal("ValidateSettings returned nil error, want error")
	}
}

func TestValidateSettings_RejectsUnknownSection(t *testing.T) {
	t.Parallel()

	settings := map[string]any{
		"agents": map[string]any{},
	}

	if err := ValidateSettings(settings); err == nil {
		t.Fatal("ValidateSettings returned nil error, want error")
	}
}

func TestValidate_RejectsPersistWithoutPath(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Store.Persist = true
	cfg.Store.DBPath = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate returned nil error, want error")
	}
}

// Package config provides configuration loading and management for planrun.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root configuration. It is built once at process start and
// passed by value into every constructor.
type Config struct {
	Budgets   Budgets        `json:"budgets"    mapstructure:"budgets"`
	Engine    EngineConfig   `json:"engine"     mapstructure:"engine"`
	RateLimit RateLimit      `json:"rate_limit" mapstructure:"rate_limit"`
	Store     StoreConfig    `json:"store"      mapstructure:"store"`
	Outbound  OutboundConfig `json:"outbound"   mapstructure:"outbound"`
	Tools     ToolsConfig    `json:"tools"      mapstructure:"tools"`
	Provider  ProviderConfig `json:"provider"   mapstructure:"provider"`
	Log       LogConfig      `json:"log"        mapstructure:"log"`
}

// Budgets are the system defaults applied to zero plan budget fields.
type Budgets struct {
	MaxSteps         int     `json:"max_steps"          mapstructure:"max_steps"`
	MaxToolCalls     int     `json:"max_tool_calls"     mapstructure:"max_tool_calls"`
	MaxLatencyMS     int64   `json:"max_latency_ms"     mapstructure:"max_latency_ms"`
	MaxCostEstimate  float64 `json:"max_cost_estimate"  mapstructure:"max_cost_estimate"`
	MaxModelUpgrades int     `json:"max_model_upgrades" mapstructure:"max_model_upgrades"`
}

// EngineConfig tunes scheduling, retries and run logs.
type EngineConfig struct {
	MaxConcurrency    int               `json:"max_concurrency"    mapstructure:"max_concurrency"`
	MaxAttempts       int               `json:"max_attempts"       mapstructure:"max_attempts"`
	BackoffInitial    time.Duration     `json:"backoff_initial"    mapstructure:"backoff_initial"`
	BackoffMax        time.Duration     `json:"backoff_max"        mapstructure:"backoff_max"`
	BackoffMultiplier float64           `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	ModelTiers        []string          `json:"model_tiers"        mapstructure:"model_tiers"`
	MaxEventsPerRun   int               `json:"max_events_per_run" mapstructure:"max_events_per_run"`
	RunSyncTimeout    time.Duration     `json:"run_sync_timeout"   mapstructure:"run_sync_timeout"`
	SystemPrompts     map[string]string `json:"system_prompts"     mapstructure:"system_prompts"`
	DigestMaxChars    int               `json:"digest_max_chars"   mapstructure:"digest_max_chars"`
}

// RateLimit bounds run admission per token owner.
type RateLimit struct {
	MaxRunning    int           `json:"max_running"    mapstructure:"max_running"`
	MaxPerMinute  int           `json:"max_per_minute" mapstructure:"max_per_minute"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// StoreConfig controls run retention.
type StoreConfig struct {
	MaxRuns         int           `json:"max_runs"         mapstructure:"max_runs"`
	ActiveTTL       time.Duration `json:"active_ttl"       mapstructure:"active_ttl"`
	TerminalTTL     time.Duration `json:"terminal_ttl"     mapstructure:"terminal_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
	Persist         bool          `json:"persist"          mapstructure:"persist"`
	DBPath          string        `json:"db_path"          mapstructure:"db_path"`
}

// OutboundConfig is the SSRF policy for tool network access.
type OutboundConfig struct {
	Allowlist        []string      `json:"allowlist"          mapstructure:"allowlist"`
	AllowHTTP        bool          `json:"allow_http"         mapstructure:"allow_http"`
	DNSCacheTTL      time.Duration `json:"dns_cache_ttl"      mapstructure:"dns_cache_ttl"`
	DNSCacheSize     int           `json:"dns_cache_size"     mapstructure:"dns_cache_size"`
	MaxResponseBytes int64         `json:"max_response_bytes" mapstructure:"max_response_bytes"`
	Timeout          time.Duration `json:"timeout"            mapstructure:"timeout"`
	LocalTestBypass  bool          `json:"local_test_bypass"  mapstructure:"local_test_bypass"`
}

// ToolsConfig lists allowed tools and their payload caps.
type ToolsConfig struct {
	Allowed           []string `json:"allowed"            mapstructure:"allowed"`
	CallbackAllowlist []string `json:"callback_allowlist" mapstructure:"callback_allowlist"`
	MaxCallbackBytes  int64    `json:"max_callback_bytes" mapstructure:"max_callback_bytes"`
	MaxArtifactBytes  int64    `json:"max_artifact_bytes" mapstructure:"max_artifact_bytes"`
	ArtifactsDir      string   `json:"artifacts_dir"      mapstructure:"artifacts_dir"`
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	Type              string        `json:"type"                mapstructure:"type"`
	Model             string        `json:"model"               mapstructure:"model"`
	BaseURL           string        `json:"base_url"            mapstructure:"base_url"`
	APIKey            string        `json:"api_key"             mapstructure:"api_key"`
	APIKeyEnv         string        `json:"api_key_env"         mapstructure:"api_key_env"`
	Timeout           time.Duration `json:"timeout"             mapstructure:"timeout"`
	RequestsPerSecond float64       `json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `json:"burst"               mapstructure:"burst"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Debug  bool   `json:"debug"  mapstructure:"debug"`
	Format string `json:"format" mapstructure:"format"`
}

// Provider types.
const (
	ProviderScripted  = "scripted"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Default returns the system defaults.
func Default() Config {
	return Config{
		Budgets: Budgets{
			MaxSteps:         32,
			MaxToolCalls:     64,
			MaxLatencyMS:     120_000,
			MaxCostEstimate:  5,
			MaxModelUpgrades: 2,
		},
		Engine: EngineConfig{
			MaxConcurrency:    4,
			MaxAttempts:       4,
			BackoffInitial:    250 * time.Millisecond,
			BackoffMax:        5 * time.Second,
			BackoffMultiplier: 2,
			ModelTiers:        []string{"gpt-4o-mini", "gpt-4o"},
			MaxEventsPerRun:   500,
			RunSyncTimeout:    30 * time.Second,
			DigestMaxChars:    1200,
		},
		RateLimit: RateLimit{
			MaxRunning:    4,
			MaxPerMinute:  30,
			SweepInterval: time.Minute,
		},
		Store: StoreConfig{
			MaxRuns:         1000,
			ActiveTTL:       time.Hour,
			TerminalTTL:     15 * time.Minute,
			CleanupInterval: time.Minute,
			DBPath:          ".planrun/planrun.db",
		},
		Outbound: OutboundConfig{
			DNSCacheTTL:      time.Minute,
			DNSCacheSize:     1024,
			MaxResponseBytes: 1 << 20,
			Timeout:          15 * time.Second,
		},
		Tools: ToolsConfig{
			Allowed:          []string{"http_fetch", "callback", "write_artifact"},
			MaxCallbackBytes: 64 << 10,
			MaxArtifactBytes: 1 << 20,
			ArtifactsDir:     ".planrun/artifacts",
		},
		Provider: ProviderConfig{
			Type:    ProviderScripted,
			Timeout: 60 * time.Second,
		},
		Log: LogConfig{Format: "console"},
	}
}

// Validate checks numeric invariants the JSON schema cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrency must be > 0"))
	}
	if c.Engine.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_attempts must be > 0"))
	}
	if c.Engine.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("engine.backoff_multiplier must be >= 1"))
	}
	if c.Engine.BackoffMax > 0 && c.Engine.BackoffMax < c.Engine.BackoffInitial {
		errs = append(errs, fmt.Errorf("engine.backoff_max must be >= engine.backoff_initial"))
	}
	if c.Engine.MaxEventsPerRun <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_events_per_run must be > 0"))
	}
	if c.RateLimit.MaxRunning <= 0 || c.RateLimit.MaxPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_running and rate_limit.max_per_minute must be > 0"))
	}
	if c.Store.MaxRuns <= 0 {
		errs = append(errs, fmt.Errorf("store.max_runs must be > 0"))
	}
	if c.Store.ActiveTTL <= 0 || c.Store.TerminalTTL <= 0 {
		errs = append(errs, fmt.Errorf("store ttls must be > 0"))
	}
	if c.Store.Persist && c.Store.DBPath == "" {
		errs = append(errs, fmt.Errorf("store.db_path is required when store.persist is set"))
	}
	if c.Outbound.MaxResponseBytes <= 0 {
		errs = append(errs, fmt.Errorf("outbound.max_response_bytes must be > 0"))
	}
	return errors.Join(errs...)
}

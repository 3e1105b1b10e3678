package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metalagman/planrun/internal/config"
	"github.com/spf13/viper"
)

func TestResolveConfigPath_DefaultYAMLPreferred(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := writeTestFile(filepath.Join(root, defaultConfigPath), "log:\n  debug: true\n"); err != nil {
		t.Fatalf("write yaml config: %v", err)
	}
	if err := writeTestFile(filepath.Join(root, defaultConfigPathJSON), "{}"); err != nil {
		t.Fatalf("write json config: %v", err)
	}

	got := resolveConfigPath(root, defaultConfigPath)
	want := filepath.Join(root, defaultConfigPath)
	if got != want {
		t.Fatalf("resolve config path = %q, want %q", got, want)
	}
}

func TestResolveConfigPath_FallsBackToJSON(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := writeTestFile(filepath.Join(root, defaultConfigPathJSON), "{}"); err != nil {
		t.Fatalf("write json config: %v", err)
	}

	got := resolveConfigPath(root, defaultConfigPath)
	want := filepath.Join(root, defaultConfigPathJSON)
	if got != want {
		t.Fatalf("resolve config path = %q, want %q", got, want)
	}
}

func TestResolveConfigPath_KeepsExplicitPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	got := resolveConfigPath(root, "custom.yaml")
	want := filepath.Join(root, "custom.yaml")
	if got != want {
		t.Fatalf("resolve config path = %q, want %q", got, want)
	}
}

func TestLoadConfig_UsesYAML(t *testing.T) {
	root := t.TempDir()
	if err := writeTestFile(filepath.Join(root, defaultConfigPath), `budgets:
  max_steps: 12
engine:
  max_concurrency: 7
  backoff_initial: 250ms
  model_tiers: [small, large]
store:
  db_path: data/runs.db
tools:
  allowed: [http_fetch]
  artifacts_dir: out
`); err != nil {
		t.Fatalf("write yaml config: %v", err)
	}

	resetViper(t)
	viper.Set("config", defaultConfigPath)

	cfg, err := loadConfig(root)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Budgets.MaxSteps != 12 {
		t.Fatalf("max_steps = %d, want 12", cfg.Budgets.MaxSteps)
	}
	if cfg.Engine.MaxConcurrency != 7 {
		t.Fatalf("max_concurrency = %d, want 7", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.BackoffInitial != 250*time.Millisecond {
		t.Fatalf("backoff_initial = %s, want 250ms", cfg.Engine.BackoffInitial)
	}
	if len(cfg.Engine.ModelTiers) != 2 || cfg.Engine.ModelTiers[1] != "large" {
		t.Fatalf("model_tiers = %v", cfg.Engine.ModelTiers)
	}
	if want := filepath.Join(root, "data", "runs.db"); cfg.Store.DBPath != want {
		t.Fatalf("db_path = %q, want %q", cfg.Store.DBPath, want)
	}
	if want := filepath.Join(root, "out"); cfg.Tools.ArtifactsDir != want {
		t.Fatalf("artifacts_dir = %q, want %q", cfg.Tools.ArtifactsDir, want)
	}
	if want := config.Default().RateLimit.MaxRunning; cfg.RateLimit.MaxRunning != want {
		t.Fatalf("max_running = %d, want default %d", cfg.RateLimit.MaxRunning, want)
	}
}

func TestLoadConfig_MissingDefaultUsesDefaults(t *testing.T) {
	root := t.TempDir()
	resetViper(t)

	cfg, err := loadConfig(root)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Engine.MaxConcurrency != config.Default().Engine.MaxConcurrency {
		t.Fatalf("max_concurrency = %d, want default", cfg.Engine.MaxConcurrency)
	}
}

func TestLoadConfig_MissingExplicitFails(t *testing.T) {
	root := t.TempDir()
	resetViper(t)
	viper.Set("config", "missing.yaml")

	if _, err := loadConfig(root); err == nil {
		t.Fatal("expected an error for a missing explicit config")
	}
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	root := t.TempDir()
	if err := writeTestFile(filepath.Join(root, defaultConfigPath), "engine:\n  workers: 3\n"); err != nil {
		t.Fatalf("write yaml config: %v", err)
	}
	resetViper(t)

	if _, err := loadConfig(root); err == nil {
		t.Fatal("expected a schema error for engine.workers")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	root := t.TempDir()
	if err := writeTestFile(filepath.Join(root, defaultConfigPath), "engine:\n  max_concurrency: 7\n"); err != nil {
		t.Fatalf("write yaml config: %v", err)
	}
	resetViper(t)
	t.Setenv("PLANRUN_ENGINE_MAX_CONCURRENCY", "3")
	t.Setenv("PLANRUN_ENGINE_RUN_SYNC_TIMEOUT", "2s")
	t.Setenv("PLANRUN_TOOLS_ALLOWED", "http_fetch,write_artifact")

	cfg, err := loadConfig(root)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Engine.MaxConcurrency != 3 {
		t.Fatalf("max_concurrency = %d, want 3", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.RunSyncTimeout != 2*time.Second {
		t.Fatalf("run_sync_timeout = %s, want 2s", cfg.Engine.RunSyncTimeout)
	}
	if len(cfg.Tools.Allowed) != 2 || cfg.Tools.Allowed[1] != "write_artifact" {
		t.Fatalf("tools.allowed = %v", cfg.Tools.Allowed)
	}
}

func TestLoadPricing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := writeTestFile(path, `tiers:
  - input_per_mtok: 0.15
    output_per_mtok: 0.6
  - input_per_mtok: 3
    output_per_mtok: 15
`); err != nil {
		t.Fatalf("write pricing: %v", err)
	}

	p, err := loadPricing(path)
	if err != nil {
		t.Fatalf("load pricing: %v", err)
	}
	if len(p.Tiers) != 2 || p.Tiers[1].OutputPerMTok != 15 {
		t.Fatalf("pricing = %+v", p)
	}
	if got := p.Cost(0, 1_000_000, 0); got != 0.15 {
		t.Fatalf("tier 0 input cost = %v, want 0.15", got)
	}
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func writeTestFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/logging"
	"github.com/metalagman/planrun/internal/model"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath     = ".planrun/config.yaml"
	defaultConfigPathJSON = ".planrun/config.json"
	envPrefix             = "PLANRUN"
)

// resolveConfigPath anchors path at root. The default YAML path falls back
// to its JSON sibling when only that one exists.
func resolveConfigPath(root, path string) string {
	if path == "" {
		path = defaultConfigPath
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	if filepath.Clean(path) != filepath.Join(root, defaultConfigPath) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	alt := filepath.Join(root, defaultConfigPathJSON)
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return path
}

// loadConfig reads the config file when present, applies PLANRUN_* overrides
// and validates the result. A missing default config yields the defaults.
func loadConfig(root string) (config.Config, error) {
	path := resolveConfigPath(root, viper.GetString("config"))

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) || explicitConfig(root, path) {
		return config.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	settings := viper.AllSettings()
	if err := applyEnv(settings); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.FromSettings(settings)
	if err != nil {
		return config.Config{}, err
	}
	cfg.Store.DBPath = anchor(root, cfg.Store.DBPath)
	cfg.Tools.ArtifactsDir = anchor(root, cfg.Tools.ArtifactsDir)
	logging.Init(cfg.Log.Debug, cfg.Log.Format)
	return cfg, nil
}

// applyEnv overlays PLANRUN_* variables onto settings. Values are parsed as
// YAML scalars so numbers and booleans keep their types for schema
// validation; everything else stays a string.
func applyEnv(settings map[string]any) error {
	raw, err := json.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	var defaults map[string]any
	if err := json.Unmarshal(raw, &defaults); err != nil {
		return fmt.Errorf("decode default config: %w", err)
	}
	for _, key := range leafKeys("", defaults) {
		if _, ok := os.LookupEnv(envName(key)); !ok {
			continue
		}
		value := viper.GetString(key)
		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
			parsed = value
		}
		setPath(settings, strings.Split(key, "."), parsed)
	}
	return nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func leafKeys(prefix string, m map[string]any) []string {
	var keys []string
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			keys = append(keys, leafKeys(key, sub)...)
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func setPath(m map[string]any, path []string, value any) {
	for _, k := range path[:len(path)-1] {
		sub, ok := m[k].(map[string]any)
		if !ok {
			sub = make(map[string]any)
			m[k] = sub
		}
		m = sub
	}
	m[path[len(path)-1]] = value
}

// explicitConfig reports whether path was chosen by the user rather than
// being one of the default locations.
func explicitConfig(root, path string) bool {
	return path != filepath.Join(root, defaultConfigPath) && path != filepath.Join(root, defaultConfigPathJSON)
}

func anchor(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// loadPricing reads a pricing table from a JSON or YAML file.
func loadPricing(path string) (model.Pricing, error) {
	var p model.Pricing
	if path == "" {
		return p, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return p, fmt.Errorf("read pricing: %w", err)
	}
	if err := v.Unmarshal(&p); err != nil {
		return p, fmt.Errorf("parse pricing: %w", err)
	}
	return p, nil
}

package main

import (
	"fmt"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/provider"
	"github.com/metalagman/planrun/internal/provider/anthropic"
	"github.com/metalagman/planrun/internal/provider/openai"
	"github.com/metalagman/planrun/internal/provider/scripted"
)

// newProvider builds the adapter named by cfg.Type.
func newProvider(cfg config.ProviderConfig) (provider.Adapter, error) {
	switch cfg.Type {
	case "", config.ProviderScripted:
		return scripted.New(), nil
	case config.ProviderOpenAI:
		return openai.NewClient(openai.Config{
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			APIKeyEnv:         cfg.APIKeyEnv,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		}, nil)
	case config.ProviderAnthropic:
		return anthropic.NewClient(anthropic.Config{
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			APIKeyEnv:         cfg.APIKeyEnv,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		}, nil)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

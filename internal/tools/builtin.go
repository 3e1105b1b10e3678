package tools

import (
	"fmt"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/outbound"
)

// NewBuiltin builds a registry with http_fetch, callback and write_artifact
// wired to the outbound policy from cfg. A nil resolver uses a caching
// resolver over the system one.
func NewBuiltin(cfg config.Config, resolver outbound.Resolver) (*Registry, error) {
	if resolver == nil {
		resolver = outbound.NewCachingResolver(nil, cfg.Outbound.DNSCacheSize, cfg.Outbound.DNSCacheTTL)
	}

	fetchRules, err := outbound.ParseAllowlist(cfg.Outbound.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("outbound allowlist: %w", err)
	}
	callbackRules, err := outbound.ParseAllowlist(cfg.Tools.CallbackAllowlist)
	if err != nil {
		return nil, fmt.Errorf("callback allowlist: %w", err)
	}

	fetcher := outbound.NewFetcher(outbound.FetcherConfig{
		Options: outbound.Options{
			Allowlist: fetchRules,
			AllowHTTP: cfg.Outbound.AllowHTTP,
			Resolver:  resolver,
		},
		MaxBytes: cfg.Outbound.MaxResponseBytes,
		Timeout:  cfg.Outbound.Timeout,
	})
	callbackFetcher := outbound.NewFetcher(outbound.FetcherConfig{
		Options: outbound.Options{
			Allowlist:       callbackRules,
			AllowHTTP:       cfg.Outbound.AllowHTTP,
			Resolver:        resolver,
			BypassAllowlist: cfg.Outbound.LocalTestBypass,
		},
		MaxBytes: cfg.Outbound.MaxResponseBytes,
		Timeout:  cfg.Outbound.Timeout,
	})

	reg := NewRegistry(cfg.Tools.Allowed)
	for _, t := range []Tool{
		NewHTTPFetch(fetcher),
		NewCallback(callbackFetcher, cfg.Tools.MaxCallbackBytes),
		NewWriteArtifact(cfg.Tools.ArtifactsDir, cfg.Tools.MaxArtifactBytes),
	} {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

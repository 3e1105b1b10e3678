package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/metalagman/planrun/internal/config"
)

// newBackOff returns the exponential schedule for provider retries. Jitter is
// disabled so delays are deterministic: initial, initial*m, initial*m^2 ...
// capped at max.
func newBackOff(cfg config.EngineConfig) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          cfg.BackoffMultiplier,
		MaxInterval:         cfg.BackoffMax,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done, returning the context cause.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

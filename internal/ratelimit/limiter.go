// Package ratelimit admits runs per token owner.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/rs/zerolog/log"
)

const window = time.Minute

type ownerState struct {
	running int
	created []time.Time
}

// Limiter caps concurrent runs and run creations per minute for each owner.
// Admission and release are atomic with respect to each other.
type Limiter struct {
	maxRunning    int
	maxPerMinute  int
	sweepInterval time.Duration
	now           func() time.Time

	mu     sync.Mutex
	owners map[string]*ownerState
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a limiter for cfg.
func New(cfg config.RateLimit, opts ...Option) *Limiter {
	l := &Limiter{
		maxRunning:    cfg.MaxRunning,
		maxPerMinute:  cfg.MaxPerMinute,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
		owners:        make(map[string]*ownerState),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sweepInterval <= 0 {
		l.sweepInterval = window
	}
	return l
}

// CheckAndConsume admits one run for owner or returns a retryable RATE_LIMIT
// error. Nothing is consumed on rejection.
func (l *Limiter) CheckAndConsume(owner string) error {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.owners[owner]
	if !ok {
		st = &ownerState{}
		l.owners[owner] = st
	}
	st.created = prune(st.created, now)

	if l.maxRunning > 0 && st.running >= l.maxRunning {
		return errs.Newf(errs.RateLimit, "owner has %d running runs, limit is %d", st.running, l.maxRunning)
	}
	if l.maxPerMinute > 0 && len(st.created) >= l.maxPerMinute {
		return errs.Newf(errs.RateLimit, "owner created %d runs in the last minute, limit is %d",
			len(st.created), l.maxPerMinute)
	}
	st.running++
	st.created = append(st.created, now)
	return nil
}

// Release returns a running slot. Unknown owners are ignored.
func (l *Limiter) Release(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.owners[owner]; ok && st.running > 0 {
		st.running--
	}
}

// Running reports the owner's running count.
func (l *Limiter) Running(owner string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.owners[owner]; ok {
		return st.running
	}
	return 0
}

// Owners reports how many owners are tracked.
func (l *Limiter) Owners() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owners)
}

// Sweep drops owners with nothing running and an empty window.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for owner, st := range l.owners {
		st.created = prune(st.created, now)
		if st.running == 0 && len(st.created) == 0 {
			delete(l.owners, owner)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("owners", len(l.owners)).Msg("rate limiter swept idle owners")
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// prune drops timestamps older than the window. created is ordered.
func prune(created []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(created) && !created[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return created
	}
	return append(created[:0], created[i:]...)
}

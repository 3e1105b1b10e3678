// Package runstore keeps run state in memory with TTL and capacity eviction,
// idempotency lookup and completion waiting.
package runstore

import (
	"context"
	"sync"
	"time"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
	"github.com/rs/zerolog/log"
)

const archiveTimeout = 5 * time.Second

// Archiver persists a run once it reaches a terminal status.
type Archiver interface {
	Archive(ctx context.Context, run *model.Run) error
}

type idemKey struct {
	owner string
	key   string
}

type waitResult struct {
	run *model.Run
	err error
}

type entry struct {
	run     *model.Run
	owner   string
	keys    []idemKey
	waiters []chan waitResult
}

// Store is an in-memory run registry. Every run handed in or out is a deep
// copy, so callers never share state with the store.
type Store struct {
	maxRuns     int
	activeTTL   time.Duration
	terminalTTL time.Duration
	interval    time.Duration
	now         func() time.Time
	archiver    Archiver

	mu   sync.Mutex
	runs map[string]*entry
	idem map[idemKey]string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithArchiver archives runs when they first become terminal.
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// New returns a store for cfg.
func New(cfg config.StoreConfig, opts ...Option) *Store {
	s := &Store{
		maxRuns:     cfg.MaxRuns,
		activeTTL:   cfg.ActiveTTL,
		terminalTTL: cfg.TerminalTTL,
		interval:    cfg.CleanupInterval,
		now:         time.Now,
		runs:        make(map[string]*entry),
		idem:        make(map[idemKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	return s
}

// Set inserts or replaces run. A run already terminal is never changed again.
// Inserting beyond capacity evicts the oldest runs by creation time.
func (s *Store) Set(run *model.Run, owner string) {
	s.put(run, owner, true)
}

// Update replaces an existing run and reports whether it was still stored.
// Evicted runs are not re-inserted.
func (s *Store) Update(run *model.Run) bool {
	return s.put(run, "", false)
}

func (s *Store) put(run *model.Run, owner string, insert bool) bool {
	snapshot := run.Clone()

	s.mu.Lock()
	e, ok := s.runs[run.ID]
	switch {
	case !ok && !insert:
		s.mu.Unlock()
		return false
	case !ok:
		if owner == "" {
			owner = run.Owner
		}
		e = &entry{owner: owner}
		s.runs[run.ID] = e
	case e.run.Status.Terminal():
		s.mu.Unlock()
		return true
	}
	if owner != "" {
		e.owner = owner
	}
	e.run = snapshot

	var waiters []chan waitResult
	becameTerminal := snapshot.Status.Terminal()
	if becameTerminal {
		waiters = e.waiters
		e.waiters = nil
	}
	if !ok {
		s.evictOverCapacityLocked()
	}
	s.mu.Unlock()

	if becameTerminal {
		for _, ch := range waiters {
			ch <- waitResult{run: snapshot.Clone()}
		}
		s.archive(snapshot)
	}
	return true
}

func (s *Store) archive(run *model.Run) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.archiver.Archive(ctx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("archive run")
	}
}

// Get returns a copy of the run.
func (s *Store) Get(id string) (*model.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	return e.run.Clone(), true
}

// Owner returns the owner recorded for id.
func (s *Store) Owner(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return "", false
	}
	return e.owner, true
}

// Len reports how many runs are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// PutIdempotency maps (owner, key) to id. The mapping lives exactly as long
// as the run; mapping an unknown run is a no-op.
func (s *Store) PutIdempotency(owner, key, id string) {
	k := idemKey{owner: owner, key: key}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return
	}
	s.idem[k] = id
	e.keys = append(e.keys, k)
}

// GetByIdempotency looks up a prior submission. It never triggers cleanup.
func (s *Store) GetByIdempotency(owner, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idem[idemKey{owner: owner, key: key}]
	return id, ok
}

// WaitForCompletion blocks until the run is terminal, the timeout elapses
// (WAIT_TIMEOUT), the run is evicted (RUN_NOT_FOUND) or ctx is done.
func (s *Store) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*model.Run, error) {
	s.mu.Lock()
	e, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return nil, errs.Newf(errs.RunNotFound, "run %s not found", id)
	}
	if e.run.Status.Terminal() {
		run := e.run.Clone()
		s.mu.Unlock()
		return run, nil
	}
	ch := make(chan waitResult, 1)
	e.waiters = append(e.waiters, ch)
	s.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case res := <-ch:
		return res.run, res.err
	case <-timeoutC:
		if res, ok := s.dropWaiter(id, ch); ok {
			return res.run, res.err
		}
		return nil, errs.Newf(errs.WaitTimeout, "run %s did not finish within %s", id, timeout)
	case <-ctx.Done():
		if res, ok := s.dropWaiter(id, ch); ok {
			return res.run, res.err
		}
		return nil, context.Cause(ctx)
	}
}

// dropWaiter unregisters ch. If a result raced in, it is returned instead.
func (s *Store) dropWaiter(id string, ch chan waitResult) (waitResult, bool) {
	s.mu.Lock()
	if e, ok := s.runs[id]; ok {
		for i, w := range e.waiters {
			if w == ch {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	select {
	case res := <-ch:
		return res, true
	default:
		return waitResult{}, false
	}
}

// Cleanup evicts runs past their TTL: active runs by creation time, terminal
// runs by finish time.
func (s *Store) Cleanup() int {
	now := s.now()

	s.mu.Lock()
	var expired []string
	for id, e := range s.runs {
		if s.expired(e.run, now) {
			expired = append(expired, id)
		}
	}
	var wake []chan waitResult
	for _, id := range expired {
		wake = append(wake, s.evictLocked(id)...)
	}
	remaining := len(s.runs)
	s.mu.Unlock()

	notifyEvicted(wake)
	if len(expired) > 0 {
		log.Debug().Int("evicted", len(expired)).Int("remaining", remaining).Msg("run store cleanup")
	}
	return len(expired)
}

func (s *Store) expired(run *model.Run, now time.Time) bool {
	if run.Status.Terminal() {
		finished := run.FinishedAt
		if finished.IsZero() {
			finished = run.CreatedAt
		}
		return s.terminalTTL > 0 && now.Sub(finished) > s.terminalTTL
	}
	return s.activeTTL > 0 && now.Sub(run.CreatedAt) > s.activeTTL
}

// Run cleans up on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

func (s *Store) evictOverCapacityLocked() {
	if s.maxRuns <= 0 {
		return
	}
	var wake []chan waitResult
	for len(s.runs) > s.maxRuns {
		var oldestID string
		var oldest time.Time
		for id, e := range s.runs {
			if oldestID == "" || e.run.CreatedAt.Before(oldest) {
				oldestID, oldest = id, e.run.CreatedAt
			}
		}
		log.Debug().Str("run_id", oldestID).Int("max_runs", s.maxRuns).Msg("run store over capacity, evicting oldest run")
		wake = append(wake, s.evictLocked(oldestID)...)
	}
	// Waiter channels are buffered, so sending under the lock cannot block.
	notifyEvicted(wake)
}

// evictLocked removes a run with its idempotency keys and returns its waiters.
func (s *Store) evictLocked(id string) []chan waitResult {
	e, ok := s.runs[id]
	if !ok {
		return nil
	}
	delete(s.runs, id)
	for _, k := range e.keys {
		if s.idem[k] == id {
			delete(s.idem, k)
		}
	}
	return e.waiters
}

func notifyEvicted(waiters []chan waitResult) {
	for _, ch := range waiters {
		ch <- waitResult{err: errs.New(errs.RunNotFound, "run was evicted before it finished")}
	}
}

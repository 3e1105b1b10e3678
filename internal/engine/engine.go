// Package engine runs validated plans: it schedules tasks over the dependency
// graph, drives provider rounds and tool calls, enforces run budgets and
// drains in-flight work on failure.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
	"github.com/metalagman/planrun/internal/plan"
	"github.com/metalagman/planrun/internal/provider"
	"github.com/metalagman/planrun/internal/ratelimit"
	"github.com/metalagman/planrun/internal/runstore"
	"github.com/metalagman/planrun/internal/tools"
	"github.com/rs/zerolog/log"
)

const defaultOwner = "anonymous"

// Tools is the part of the tool registry the engine needs.
type Tools interface {
	Exists(name string) bool
	Allowed(name string) bool
	Specs(names []string) []tools.Spec
	Invoke(ctx context.Context, name string, args json.RawMessage) (tools.Result, error)
}

// Deps are the engine's collaborators. Store and Limiter default to fresh
// instances built from the config.
type Deps struct {
	Provider provider.Adapter
	Tools    Tools
	Store    *runstore.Store
	Limiter  *ratelimit.Limiter
	Now      func() time.Time
}

// SubmitOptions carry per-submission settings.
type SubmitOptions struct {
	Owner          string
	IdempotencyKey string
	Pricing        model.Pricing
	MaxConcurrency int
	SyncTimeout    time.Duration
}

// SyncResult is returned by SubmitSync. Done is false when the run was still
// in progress at the deadline; Run is then the latest snapshot.
type SyncResult struct {
	RunID string
	Run   *model.Run
	Done  bool
}

// Engine accepts plans and executes them in the background.
type Engine struct {
	cfg      config.Config
	provider provider.Adapter
	tools    Tools
	store    *runstore.Store
	limiter  *ratelimit.Limiter
	now      func() time.Time
	tel      *telemetry

	base     context.Context
	shutdown context.CancelCauseFunc
	wg       sync.WaitGroup

	// lifeMu orders launch against Shutdown so no run is added to wg once
	// Shutdown has started waiting on it.
	lifeMu  sync.Mutex
	closing bool

	// submitMu serializes idempotent submissions so two concurrent submits with
	// the same key cannot both start a run.
	submitMu sync.Mutex
}

// New builds an engine.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("engine: tools are required")
	}
	if deps.Store == nil {
		deps.Store = runstore.New(cfg.Store)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(cfg.RateLimit)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	base, cancel := context.WithCancelCause(context.Background())
	return &Engine{
		cfg:      cfg,
		provider: deps.Provider,
		tools:    deps.Tools,
		store:    deps.Store,
		limiter:  deps.Limiter,
		now:      deps.Now,
		tel:      newTelemetry(),
		base:     base,
		shutdown: cancel,
	}, nil
}

// Store returns the engine's run store.
func (e *Engine) Store() *runstore.Store {
	return e.store
}

// Submit validates p, admits the owner and starts a run. A repeated
// idempotency key from the same owner returns the existing run id without
// consuming rate limit.
func (e *Engine) Submit(ctx context.Context, p model.Plan, opts SubmitOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Normalize(context.Cause(ctx))
	}
	if e.isClosing() {
		return "", errShuttingDown()
	}
	owner := opts.Owner
	if owner == "" {
		owner = defaultOwner
	}
	if opts.IdempotencyKey != "" {
		e.submitMu.Lock()
		defer e.submitMu.Unlock()
		if id, ok := e.store.GetByIdempotency(owner, opts.IdempotencyKey); ok {
			log.Debug().Str("run_id", id).Str("owner", owner).Msg("idempotent submission, returning existing run")
			return id, nil
		}
	}

	p = p.Clone()
	plan.ApplyDefaults(&p, e.cfg.Budgets)
	if err := plan.Validate(&p, e.tools); err != nil {
		return "", err
	}
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closing {
		return "", errShuttingDown()
	}
	if err := e.limiter.CheckAndConsume(owner); err != nil {
		return "", err
	}

	run := model.NewRun(uuid.NewString(), owner, p, e.now().UTC())
	e.store.Set(run, owner)
	if opts.IdempotencyKey != "" {
		e.store.PutIdempotency(owner, opts.IdempotencyKey, run.ID)
	}
	log.Info().Str("run_id", run.ID).Str("owner", owner).Int("tasks", len(p.Tasks)).Msg("run accepted")

	e.launch(run, opts)
	return run.ID, nil
}

func (e *Engine) isClosing() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.closing
}

func errShuttingDown() *errs.Error {
	return errs.New(errs.Cancelled, "engine is shutting down")
}

// SubmitSync submits p and waits up to the sync timeout for it to finish.
func (e *Engine) SubmitSync(ctx context.Context, p model.Plan, opts SubmitOptions) (SyncResult, error) {
	id, err := e.Submit(ctx, p, opts)
	if err != nil {
		return SyncResult{}, err
	}
	timeout := opts.SyncTimeout
	if timeout <= 0 {
		timeout = e.cfg.Engine.RunSyncTimeout
	}
	run, err := e.store.WaitForCompletion(ctx, id, timeout)
	if err == nil {
		return SyncResult{RunID: id, Run: run, Done: true}, nil
	}
	if errs.CodeOf(err) != errs.WaitTimeout {
		return SyncResult{RunID: id}, err
	}
	snapshot, ok := e.store.Get(id)
	if !ok {
		return SyncResult{RunID: id}, errs.Newf(errs.RunNotFound, "run %s not found", id)
	}
	return SyncResult{RunID: id, Run: snapshot}, nil
}

// Get returns a snapshot of a run.
func (e *Engine) Get(id string) (*model.Run, error) {
	run, ok := e.store.Get(id)
	if !ok {
		return nil, errs.Newf(errs.RunNotFound, "run %s not found", id)
	}
	return run, nil
}

// Wait blocks until the run is terminal or timeout elapses.
func (e *Engine) Wait(ctx context.Context, id string, timeout time.Duration) (*model.Run, error) {
	return e.store.WaitForCompletion(ctx, id, timeout)
}

// Shutdown rejects new submissions, cancels every active run and waits for
// them to finalize. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.lifeMu.Lock()
	e.closing = true
	e.lifeMu.Unlock()
	e.shutdown(errs.New(errs.Cancelled, "engine shutting down"))
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", context.Cause(ctx))
	}
}

func (e *Engine) launch(run *model.Run, opts SubmitOptions) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(e.base, run, opts)
	}()
}

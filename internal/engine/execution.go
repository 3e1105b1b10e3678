package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
	"github.com/metalagman/planrun/internal/plan"
	"github.com/metalagman/planrun/internal/provider"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type taskResult struct {
	name    string
	output  json.RawMessage
	err     error
	elapsed time.Duration
}

// execution is the state of one run. Only the scheduler goroutine touches
// run; task goroutines share the ledger and log, both internally locked.
type execution struct {
	eng     *Engine
	cfg     config.Config
	run     *model.Run
	plan    model.Plan
	pricing model.Pricing
	ledger  *ledger
	log     *runLog

	maxConcurrency int
	specs          map[string]model.TaskSpec
	index          map[string]int
	dependents     map[string][]string
	waiting        map[string]int
	started        time.Time
	failure        *errs.Error
}

func (e *Engine) newExecution(run *model.Run, opts SubmitOptions) *execution {
	x := &execution{
		eng:            e,
		cfg:            e.cfg,
		run:            run,
		plan:           run.Plan,
		pricing:        opts.Pricing,
		ledger:         newLedger(run.Plan.Budget),
		log:            newRunLog(e.cfg.Engine.MaxEventsPerRun, e.now),
		maxConcurrency: opts.MaxConcurrency,
		specs:          make(map[string]model.TaskSpec, len(run.Plan.Tasks)),
		index:          make(map[string]int, len(run.Plan.Tasks)),
		dependents:     make(map[string][]string),
		waiting:        make(map[string]int, len(run.Plan.Tasks)),
	}
	if x.maxConcurrency <= 0 {
		x.maxConcurrency = e.cfg.Engine.MaxConcurrency
	}
	if x.maxConcurrency <= 0 {
		x.maxConcurrency = 1
	}
	for _, t := range run.Plan.Tasks {
		x.specs[t.Name] = t
		x.waiting[t.Name] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			x.dependents[dep] = append(x.dependents[dep], t.Name)
		}
	}
	return x
}

// execute drives run to a terminal status and returns its final snapshot.
func (e *Engine) execute(parent context.Context, run *model.Run, opts SubmitOptions) *model.Run {
	x := e.newExecution(run, opts)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if ms := x.plan.Budget.MaxLatencyMS; ms > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, time.Duration(ms)*time.Millisecond,
			errs.Newf(errs.BudgetLatency, "run exceeded its latency budget of %dms", ms))
		defer stop()
	}
	ctx, span := e.tel.startRun(ctx, run.ID, run.Owner, len(x.plan.Tasks))

	x.started = e.now()
	run.Status = model.StatusRunning
	run.StartedAt = x.started.UTC()
	x.log.info("", eventRunStarted, fmt.Sprintf("run started with %d tasks", len(x.plan.Tasks)))
	log.Info().Str("run_id", run.ID).Int("tasks", len(x.plan.Tasks)).Int("max_concurrency", x.maxConcurrency).Msg("run started")
	x.publish()

	order, err := plan.TopoOrder(&x.plan)
	if err != nil {
		x.failure = errs.Normalize(err)
	} else {
		for i, name := range order {
			x.index[name] = i
		}
		x.schedule(ctx, cancel, order)
	}

	x.finalize(ctx)
	if x.failure != nil {
		endSpan(span, x.failure)
	} else {
		endSpan(span, nil)
	}
	return x.run.Clone()
}

// schedule dispatches ready tasks up to the concurrency ceiling and folds
// completions one at a time. After the first failure nothing new starts and
// the loop only drains in-flight tasks.
func (x *execution) schedule(ctx context.Context, cancel context.CancelCauseFunc, order []string) {
	var g errgroup.Group
	results := make(chan taskResult, len(order))

	var ready []string
	for _, name := range order {
		if x.waiting[name] == 0 {
			ready = append(ready, name)
		}
	}

	inFlight := 0
	for {
		if x.failure == nil && ctx.Err() != nil {
			x.setFailure(cancel, "", errs.Normalize(context.Cause(ctx)))
		}
		for x.failure == nil && inFlight < x.maxConcurrency && len(ready) > 0 {
			name := ready[0]
			ready = ready[1:]
			if err := x.dispatch(ctx, &g, name, results); err != nil {
				x.run.Tasks[name] = model.StatusFailed
				x.setFailure(cancel, name, errs.Normalize(err))
				break
			}
			inFlight++
		}
		x.publish()
		if inFlight == 0 {
			break
		}
		res := <-results
		inFlight--
		ready = x.fold(cancel, res, ready)
	}
	// Every task goroutine has sent its result; Wait only joins them.
	_ = g.Wait()
}

func (x *execution) dispatch(ctx context.Context, g *errgroup.Group, name string, results chan<- taskResult) error {
	t := x.specs[name]
	messages, err := x.openingMessages(t)
	if err != nil {
		return err
	}
	x.run.Tasks[name] = model.StatusRunning
	x.log.info(name, eventTaskStarted, "task started")
	log.Debug().Str("run_id", x.run.ID).Str("task", name).Msg("task started")

	g.Go(func() error {
		results <- x.runTask(ctx, t, messages)
		return nil
	})
	return nil
}

// runTask wraps executeTask with timing, tracing and panic recovery.
func (x *execution) runTask(ctx context.Context, t model.TaskSpec, messages []provider.Message) (res taskResult) {
	started := time.Now()
	res.name = t.Name
	ctx, span := x.eng.tel.startTask(ctx, t.Name)
	defer func() {
		if r := recover(); r != nil {
			res.output = nil
			res.err = errs.Newf(errs.Internal, "task %q panicked: %v", t.Name, r)
		}
		res.elapsed = time.Since(started)
		endSpan(span, res.err)
	}()
	res.output, res.err = x.executeTask(ctx, t, messages)
	return res
}

// fold applies one task completion to the run and returns the new ready set.
func (x *execution) fold(cancel context.CancelCauseFunc, res taskResult, ready []string) []string {
	name := res.name
	x.run.Metrics.TasksMS[name] = res.elapsed.Milliseconds()

	switch {
	case x.failure != nil:
		x.ledger.fail(name)
		x.run.Tasks[name] = model.StatusFailed
		if res.err == nil {
			x.log.warn(name, eventResultDiscarded, "task finished after the run was cancelled, result discarded", errs.Cancelled)
		} else {
			x.log.fail(name, eventTaskFailed, errs.Normalize(res.err))
		}
		return ready

	case res.err != nil:
		x.ledger.fail(name)
		x.run.Tasks[name] = model.StatusFailed
		x.setFailure(cancel, name, errs.Normalize(res.err))
		return ready
	}

	x.ledger.commit(name)
	x.run.Tasks[name] = model.StatusSucceeded
	x.run.ResultsByTask[name] = res.output
	x.log.info(name, eventTaskSucceeded, fmt.Sprintf("task succeeded in %dms", res.elapsed.Milliseconds()))
	log.Debug().Str("run_id", x.run.ID).Str("task", name).Dur("elapsed", res.elapsed).Msg("task succeeded")

	for _, dep := range x.dependents[name] {
		x.waiting[dep]--
		if x.waiting[dep] == 0 {
			ready = x.insertReady(ready, dep)
		}
	}
	return ready
}

// insertReady keeps the ready set in topological order.
func (x *execution) insertReady(ready []string, name string) []string {
	i, _ := slices.BinarySearchFunc(ready, x.index[name], func(n string, target int) int {
		return x.index[n] - target
	})
	return slices.Insert(ready, i, name)
}

// setFailure records the run's first failure and cancels every in-flight task
// with it as the cause.
func (x *execution) setFailure(cancel context.CancelCauseFunc, task string, err *errs.Error) {
	if x.failure != nil {
		return
	}
	x.failure = err
	cancel(err)
	if task != "" {
		x.log.fail(task, eventTaskFailed, err)
	}
	log.Warn().Str("run_id", x.run.ID).Str("task", task).Str("code", string(err.Code)).Msg(err.Message)
}

// finalize settles tasks that never ran, checks the output contract and
// publishes the terminal snapshot.
func (x *execution) finalize(ctx context.Context) {
	if x.failure == nil {
		if err := checkOutputContract(x.plan, x.run.ResultsByTask); err != nil {
			x.failure = errs.Normalize(err)
		}
	}

	if x.failure != nil {
		x.skipRemaining()
		x.ledger.failAll()
		x.log.fail("", eventRunFailed, x.failure)
		x.run.Status = model.StatusFailed
		x.run.Error = x.failure.Clone()
	} else {
		x.run.Status = model.StatusSucceeded
		x.log.info("", eventRunSucceeded, "run succeeded")
	}

	finished := x.eng.now()
	x.run.FinishedAt = finished.UTC()
	x.run.Metrics.TotalMS = finished.Sub(x.started).Milliseconds()
	// Free the owner's slot before waiters can observe the terminal run.
	x.eng.limiter.Release(x.run.Owner)
	x.publish()

	var code errs.Code
	if x.failure != nil {
		code = x.failure.Code
	}
	x.eng.tel.finishRun(context.WithoutCancel(ctx), string(x.run.Status), code)
	evt := log.Info()
	if x.failure != nil {
		evt = log.Warn().Str("code", string(code))
	}
	evt.Str("run_id", x.run.ID).
		Str("status", string(x.run.Status)).
		Int("steps", x.run.Metrics.StepsExecutedTotal).
		Int64("total_ms", x.run.Metrics.TotalMS).
		Msg("run finished")
}

// skipRemaining fails every task that never started: DEPENDENCY_FAILED when a
// dependency did not succeed, CANCELLED otherwise.
func (x *execution) skipRemaining() {
	order := slices.Clone(x.plan.Tasks)
	slices.SortStableFunc(order, func(a, b model.TaskSpec) int { return x.index[a.Name] - x.index[b.Name] })
	for _, t := range order {
		if x.run.Tasks[t.Name] != model.StatusQueued {
			continue
		}
		x.run.Tasks[t.Name] = model.StatusFailed
		blocked := slices.ContainsFunc(t.DependsOn, func(dep string) bool {
			return x.run.Tasks[dep] != model.StatusSucceeded
		})
		if blocked {
			x.log.warn(t.Name, eventTaskSkipped, "a dependency did not succeed", errs.DependencyFailed)
		} else {
			x.log.warn(t.Name, eventTaskSkipped, "run was cancelled before the task started", errs.Cancelled)
		}
	}
}

// publish copies ledger counters, progress and logs into the run and hands a
// snapshot to the store.
func (x *execution) publish() {
	snap := x.ledger.snapshot()
	m := &x.run.Metrics
	m.StepsExecutedTotal = snap.Steps
	m.ToolCalls = snap.ToolCalls
	m.Retries = snap.Retries
	m.ModelUpgrades = snap.Upgrades
	m.Fallback = snap.Upgrades > 0
	m.ArtifactsBytes = snap.Artifacts
	m.CostEstimate = snap.Cost
	if x.run.FinishedAt.IsZero() && !x.started.IsZero() {
		m.TotalMS = x.eng.now().Sub(x.started).Milliseconds()
	}

	p := model.Progress{Total: len(x.plan.Tasks)}
	for _, st := range x.run.Tasks {
		switch st {
		case model.StatusQueued:
			p.Queued++
		case model.StatusRunning:
			p.Running++
		case model.StatusSucceeded:
			p.Completed++
		case model.StatusFailed:
			p.Failed++
		}
	}
	x.run.Progress = p
	x.log.copyTo(x.run)

	if !x.eng.store.Update(x.run) {
		log.Debug().Str("run_id", x.run.ID).Msg("run no longer in store, snapshot dropped")
	}
}

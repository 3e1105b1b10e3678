package engine

import (
	"sync"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
)

// ledger tracks run-wide budget consumption. Task goroutines reserve from it
// concurrently; the scheduler reads snapshots when publishing the run.
type ledger struct {
	budget model.Budget

	mu        sync.Mutex
	steps     int
	toolCalls int
	upgrades  int
	retries   int
	artifacts int64
	running   map[string]float64
	committed float64
	failed    float64
}

func newLedger(b model.Budget) *ledger {
	return &ledger{budget: b, running: make(map[string]float64)}
}

// reserveStep claims one provider round and returns its 1-based index.
// Steps are never refunded, not even when a round is reissued at a higher tier.
func (l *ledger) reserveStep() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget.MaxSteps > 0 && l.steps >= l.budget.MaxSteps {
		return 0, errs.Newf(errs.BudgetSteps, "step budget of %d exhausted", l.budget.MaxSteps)
	}
	l.steps++
	return l.steps, nil
}

func (l *ledger) reserveToolCall() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit := l.budget.MaxToolCalls; limit != nil && l.toolCalls >= *limit {
		return errs.Newf(errs.BudgetToolCalls, "tool call budget of %d exhausted", *limit)
	}
	l.toolCalls++
	return nil
}

// reserveUpgrade claims one tier escalation. An unset limit allows none.
func (l *ledger) reserveUpgrade() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := 0
	if l.budget.MaxModelUpgrades != nil {
		limit = *l.budget.MaxModelUpgrades
	}
	if l.upgrades >= limit {
		return errs.Newf(errs.BudgetModelUpgrades, "model upgrade budget of %d exhausted", limit)
	}
	l.upgrades++
	return nil
}

func (l *ledger) addRetry() {
	l.mu.Lock()
	l.retries++
	l.mu.Unlock()
}

func (l *ledger) addArtifactBytes(n int64) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	l.artifacts += n
	l.mu.Unlock()
}

// addCost accrues spend to task. The spend is recorded even when it breaches
// the budget so final metrics show what was actually used.
func (l *ledger) addCost(task string, cost float64) error {
	if cost <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running[task] += cost
	total := l.committed + l.failed
	for _, c := range l.running {
		total += c
	}
	if l.budget.MaxCostEstimate > 0 && total > l.budget.MaxCostEstimate {
		return errs.Newf(errs.BudgetCost, "cost estimate %.6f exceeds budget %.6f", total, l.budget.MaxCostEstimate)
	}
	return nil
}

// commit moves the task's running spend to committed.
func (l *ledger) commit(task string) {
	l.mu.Lock()
	l.committed += l.running[task]
	delete(l.running, task)
	l.mu.Unlock()
}

// fail moves the task's running spend to failed.
func (l *ledger) fail(task string) {
	l.mu.Lock()
	l.failed += l.running[task]
	delete(l.running, task)
	l.mu.Unlock()
}

// failAll moves every remaining running spend to failed.
func (l *ledger) failAll() {
	l.mu.Lock()
	for task, c := range l.running {
		l.failed += c
		delete(l.running, task)
	}
	l.mu.Unlock()
}

type ledgerSnapshot struct {
	Steps     int
	ToolCalls int
	Upgrades  int
	Retries   int
	Artifacts int64
	Cost      model.CostEstimate
}

func (l *ledger) snapshot() ledgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	running := 0.0
	for _, c := range l.running {
		running += c
	}
	return ledgerSnapshot{
		Steps:     l.steps,
		ToolCalls: l.toolCalls,
		Upgrades:  l.upgrades,
		Retries:   l.retries,
		Artifacts: l.artifacts,
		Cost:      model.CostEstimate{Running: running, Committed: l.committed, Failed: l.failed},
	}
}

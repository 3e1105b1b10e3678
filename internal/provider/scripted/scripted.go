// Package scripted is a deterministic provider that replays per-task scripts.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/metalagman/planrun/internal/provider"
)

// Step is one scripted round outcome.
type Step struct {
	Response provider.Response
	Err      error
	// Delay is waited before answering. Cancellation ends the wait early.
	Delay time.Duration
}

// Text answers with a final text payload.
func Text(s string) Step {
	return Step{Response: provider.Response{OutputText: &s}}
}

// JSON answers with a final JSON payload.
func JSON(raw string) Step {
	return Step{Response: provider.Response{OutputJSON: json.RawMessage(raw)}}
}

// Calls answers with tool calls.
func Calls(calls ...provider.ToolCall) Step {
	return Step{Response: provider.Response{ToolCalls: calls}}
}

// Fail answers with err.
func Fail(err error) Step {
	return Step{Err: err}
}

// After returns s delayed by d.
func (s Step) After(d time.Duration) Step {
	s.Delay = d
	return s
}

// WithUsage returns s reporting the given token usage.
func (s Step) WithUsage(in, out int64) Step {
	s.Response.Usage = &provider.Usage{InputTokens: in, OutputTokens: out}
	return s
}

// Provider replays scripts keyed by task name. Once a script is exhausted its
// last step repeats. Tasks with no script use the default script, and with no
// default script they echo their request as a JSON payload.
type Provider struct {
	mu       sync.Mutex
	scripts  map[string][]Step
	fallback []Step
	calls    map[string]int
	requests []provider.Request
}

// New returns an empty scripted provider.
func New() *Provider {
	return &Provider{
		scripts: make(map[string][]Step),
		calls:   make(map[string]int),
	}
}

// On sets the script for task.
func (p *Provider) On(task string, steps ...Step) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[task] = steps
	return p
}

// Default sets the script for tasks without their own.
func (p *Provider) Default(steps ...Step) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = steps
	return p
}

// Requests returns every request received so far.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

// CallCount returns how many rounds task has run.
func (p *Provider) CallCount(task string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[task]
}

// Complete implements provider.Adapter.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	started := time.Now()
	step, ok := p.next(req)
	if !ok {
		step = echo(req)
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return provider.Response{}, context.Cause(ctx)
		case <-timer.C:
		}
	}
	if step.Err != nil {
		return provider.Response{}, step.Err
	}

	resp := step.Response
	resp.RequestID = req.RequestID
	resp.ToolCalls = slices.Clone(resp.ToolCalls)
	if resp.Model == "" {
		resp.Model = req.Model
	}
	resp.ProviderLatencyMS = time.Since(started).Milliseconds()
	return resp, nil
}

func (p *Provider) next(req provider.Request) (Step, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	n := p.calls[req.TaskName]
	p.calls[req.TaskName] = n + 1

	steps, ok := p.scripts[req.TaskName]
	if !ok {
		steps = p.fallback
	}
	if len(steps) == 0 {
		return Step{}, false
	}
	return steps[min(n, len(steps)-1)], true
}

func echo(req provider.Request) Step {
	out, err := json.Marshal(map[string]any{
		"task":  req.TaskName,
		"model": req.Model,
		"step":  req.Step,
	})
	if err != nil {
		return Fail(fmt.Errorf("echo: %w", err))
	}
	return JSON(string(out))
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
	"github.com/metalagman/planrun/internal/provider"
	"github.com/metalagman/planrun/internal/tools"
	"github.com/rs/zerolog/log"
)

// roundState is the explicit state of a task's provider/tool loop.
type roundState struct {
	messages []provider.Message
	round    int
	attempt  int
	tier     int
	model    string
	pending  []provider.ToolCall
}

// newRoundState places the task on the tier matching its model, or tier 0.
func (x *execution) newRoundState(t model.TaskSpec, messages []provider.Message) *roundState {
	st := &roundState{messages: messages, model: t.Model}
	tiers := x.cfg.Engine.ModelTiers
	if i := slices.Index(tiers, t.Model); i >= 0 {
		st.tier = i
	}
	if st.model == "" && len(tiers) > 0 {
		st.model = tiers[0]
	}
	return st
}

// executeTask runs rounds until the provider returns a final payload or an
// error ends the task.
func (x *execution) executeTask(ctx context.Context, t model.TaskSpec, messages []provider.Message) (json.RawMessage, error) {
	if t.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, time.Duration(t.TimeoutMS)*time.Millisecond,
			errs.Newf(errs.TaskTimeout, "task %q exceeded its timeout of %dms", t.Name, t.TimeoutMS))
		defer cancel()
	}

	st := x.newRoundState(t, messages)
	specs := toolSpecs(x.eng.tools.Specs(t.ToolsAllowed))
	for {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		resp, err := x.round(ctx, t, st, specs)
		if err != nil {
			return nil, err
		}
		if resp.Final() {
			if len(resp.OutputJSON) > 0 && !json.Valid(resp.OutputJSON) {
				return nil, errs.Newf(errs.ProviderError, "provider returned invalid output_json for task %q", t.Name)
			}
			return resp.Payload()
		}
		if len(resp.ToolCalls) == 0 {
			return nil, errs.Newf(errs.ProviderError, "provider returned neither a result nor tool calls for task %q", t.Name)
		}
		st.messages = append(st.messages, provider.Message{Role: provider.RoleAssistant, ToolCalls: resp.ToolCalls})
		st.pending = resp.ToolCalls
		if err := x.callTools(ctx, t, st); err != nil {
			return nil, err
		}
		st.round++
	}
}

// round performs one provider round. Retryable failures are retried with
// backoff up to the attempt ceiling; upgrade requests move the task to the
// next model tier. Every attempt consumes a step.
func (x *execution) round(ctx context.Context, t model.TaskSpec, st *roundState, specs []provider.ToolSpec) (provider.Response, error) {
	maxAttempts := max(x.cfg.Engine.MaxAttempts, 1)
	bo := newBackOff(x.cfg.Engine)
	st.attempt = 0

	for {
		st.attempt++
		step, err := x.ledger.reserveStep()
		if err != nil {
			return provider.Response{}, err
		}
		x.eng.tel.round(ctx, t.Name, st.tier)

		req := provider.Request{
			RequestID: uuid.NewString(),
			RunID:     x.run.ID,
			TaskName:  t.Name,
			Step:      step,
			Attempt:   st.attempt,
			Model:     st.model,
			MaxTokens: t.MaxOutputTokens,
			Tier:      st.tier,
			Messages:  slices.Clone(st.messages),
			Tools:     specs,
		}
		resp, err := x.eng.provider.Complete(ctx, req)
		if ctx.Err() != nil {
			// Results arriving after cancellation are never used.
			return provider.Response{}, context.Cause(ctx)
		}
		if err == nil {
			if resp.Usage != nil {
				cost := x.pricing.Cost(st.tier, resp.Usage.InputTokens, resp.Usage.OutputTokens)
				if err := x.ledger.addCost(t.Name, cost); err != nil {
					return provider.Response{}, err
				}
			}
			return resp, nil
		}

		perr := providerError(err)
		switch {
		case perr.SuggestedAction == errs.ActionUpgrade:
			if err := x.upgrade(t, st, perr); err != nil {
				return provider.Response{}, err
			}
			st.attempt = 0
			bo.Reset()

		case perr.Retryable && st.attempt < maxAttempts:
			wait := bo.NextBackOff()
			x.ledger.addRetry()
			x.eng.tel.retry(ctx, t.Name)
			x.log.warn(t.Name, eventRetry, fmt.Sprintf("attempt %d failed (%s), retrying in %s", st.attempt, perr.Message, wait), perr.Code)
			log.Debug().Str("run_id", x.run.ID).Str("task", t.Name).Int("attempt", st.attempt).
				Dur("backoff", wait).Str("code", string(perr.Code)).Msg("retrying provider round")
			if err := sleep(ctx, wait); err != nil {
				return provider.Response{}, err
			}

		default:
			return provider.Response{}, perr
		}
	}
}

// upgrade escalates st to the next model tier. Without a higher tier the
// provider's error stands.
func (x *execution) upgrade(t model.TaskSpec, st *roundState, cause *errs.Error) error {
	tiers := x.cfg.Engine.ModelTiers
	next := st.tier + 1
	if next >= len(tiers) {
		return cause
	}
	if err := x.ledger.reserveUpgrade(); err != nil {
		return err
	}
	from := st.model
	st.tier = next
	st.model = tiers[next]
	x.log.warn(t.Name, eventUpgrade, fmt.Sprintf("upgrading model from %q to %q: %s", from, st.model, cause.Message), cause.Code)
	log.Info().Str("run_id", x.run.ID).Str("task", t.Name).Int("tier", st.tier).Str("model", st.model).Msg("model upgraded")
	return nil
}

// callTools executes the pending tool calls in order and appends one tool
// message per call, correlated by call id.
func (x *execution) callTools(ctx context.Context, t model.TaskSpec, st *roundState) error {
	ctx = tools.WithInvocation(ctx, tools.Invocation{RunID: x.run.ID, Task: t.Name})
	for _, call := range st.pending {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !slices.Contains(t.ToolsAllowed, call.Name) {
			return errs.Newf(errs.ToolNotAllowed, "task %q may not call tool %q", t.Name, call.Name)
		}
		if err := x.ledger.reserveToolCall(); err != nil {
			return err
		}
		x.eng.tel.toolCall(ctx, call.Name)
		x.log.info(t.Name, eventToolCall, fmt.Sprintf("calling tool %s (call %s)", call.Name, call.CallID))

		res, err := x.eng.tools.Invoke(ctx, call.Name, call.Arguments)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		x.ledger.addArtifactBytes(res.ArtifactBytes)
		st.messages = append(st.messages, provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: call.CallID,
			Content:    string(res.Output),
		})
	}
	st.pending = nil
	return nil
}

// providerError normalizes an adapter failure. Plain errors become
// non-retryable PROVIDER_ERROR.
func providerError(err error) *errs.Error {
	if e, ok := errs.As(err); ok {
		return e
	}
	return errs.Wrap(errs.ProviderError, err, "provider")
}

func toolSpecs(specs []tools.Spec) []provider.ToolSpec {
	out := make([]provider.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, provider.ToolSpec{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		})
	}
	return out
}

package engine

import (
	"context"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/metalagman/planrun/internal/engine"

// telemetry holds the engine's tracer and counters. Both come from the
// global providers and are no-ops unless the host installs an SDK.
type telemetry struct {
	tracer    trace.Tracer
	rounds    metric.Int64Counter
	toolCalls metric.Int64Counter
	retries   metric.Int64Counter
	runs      metric.Int64Counter
}

func newTelemetry() *telemetry {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warn().Err(err).Str("instrument", name).Msg("create counter")
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return &telemetry{
		tracer:    otel.Tracer(instrumentationName),
		rounds:    counter("planrun.provider.rounds", "Provider rounds issued"),
		toolCalls: counter("planrun.tool.calls", "Tool invocations"),
		retries:   counter("planrun.provider.retries", "Provider rounds retried after a retryable error"),
		runs:      counter("planrun.runs", "Finished runs by status"),
	}
}

func (t *telemetry) startRun(ctx context.Context, runID, owner string, tasks int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "planrun.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.owner", owner),
		attribute.Int("run.tasks", tasks),
	))
}

func (t *telemetry) startTask(ctx context.Context, task string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "planrun.task", trace.WithAttributes(attribute.String("task.name", task)))
}

func (t *telemetry) round(ctx context.Context, task string, tier int) {
	t.rounds.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task), attribute.Int("tier", tier)))
}

func (t *telemetry) toolCall(ctx context.Context, tool string) {
	t.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

func (t *telemetry) retry(ctx context.Context, task string) {
	t.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

func (t *telemetry) finishRun(ctx context.Context, status string, code errs.Code) {
	t.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("code", string(code)),
	))
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

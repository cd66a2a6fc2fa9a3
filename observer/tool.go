package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	codepunk "github.com/codepunk/codepunk"
)

// ObservedDispatcher wraps a codepunk.Dispatcher with OTEL instrumentation.
// When the wrapped dispatcher also serves tool definitions, the wrapper
// forwards those so it can stand in as the orchestrator's ToolSource.
type ObservedDispatcher struct {
	inner codepunk.Dispatcher
	inst  *Instruments
}

// WrapDispatcher returns an instrumented dispatcher.
func WrapDispatcher(inner codepunk.Dispatcher, inst *Instruments) *ObservedDispatcher {
	return &ObservedDispatcher{inner: inner, inst: inst}
}

// Definitions forwards to the wrapped dispatcher when it is also a
// ToolSource, and returns nil otherwise.
func (o *ObservedDispatcher) Definitions() []codepunk.ToolDefinition {
	if src, ok := o.inner.(codepunk.ToolSource); ok {
		return src.Definitions()
	}
	return nil
}

func (o *ObservedDispatcher) Execute(ctx context.Context, name string, args json.RawMessage) (codepunk.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.UserCancelled:
		status = "cancelled"
	case result.IsError:
		status = "tool_error"
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	return result, err
}

var _ codepunk.Dispatcher = (*ObservedDispatcher)(nil)

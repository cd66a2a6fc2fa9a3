package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	codepunk "github.com/codepunk/codepunk"
)

// ObservedProvider wraps a codepunk.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner codepunk.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces and
// metrics for every send, stream, and token-count call. model is the
// fallback attribute value when a request carries no explicit model id.
func WrapProvider(inner codepunk.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

// SetSessionDefaults forwards per-session defaults to the wrapped provider
// when it supports them, and keeps the metric model attribute in sync.
func (o *ObservedProvider) SetSessionDefaults(provider, model string) {
	if sd, ok := o.inner.(codepunk.SessionDefaulter); ok {
		sd.SetSessionDefaults(provider, model)
	}
	if model != "" {
		o.model = model
	}
}

func (o *ObservedProvider) modelFor(req *codepunk.LLMRequest) string {
	if req != nil && req.ModelID != "" {
		return req.ModelID
	}
	return o.model
}

func (o *ObservedProvider) Send(ctx context.Context, req *codepunk.LLMRequest) (*codepunk.LLMResponse, error) {
	model := o.modelFor(req)
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(model),
			AttrLLMProvider.String(o.inner.Name()),
		),
	}
	spanName := "llm.send"
	method := "send"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.send_with_tools"
		method = "send_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Send(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if resp == nil {
		resp = &codepunk.LLMResponse{}
	}
	o.record(ctx, span, model, method, status, durationMs, resp)
	return resp, err
}

func (o *ObservedProvider) Stream(ctx context.Context, req *codepunk.LLMRequest, ch chan<- codepunk.LLMStreamChunk) (*codepunk.LLMResponse, error) {
	model := o.modelFor(req)
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Wrap the channel to count chunks. The forwarding goroutine drains
	// wrapped into the caller's ch; wrapped is buffered generously so the
	// inner provider never blocks on send while nobody reads ch until
	// Stream returns.
	bufSize := max(cap(ch), 64)
	wrapped := make(chan codepunk.LLMStreamChunk, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for chunk := range wrapped {
			chunks++
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.Stream(ctx, req, wrapped)
	<-done // wait so chunks is final before reading it

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	if resp == nil {
		resp = &codepunk.LLMResponse{}
	}
	o.record(ctx, span, model, "stream", status, durationMs, resp)
	return resp, err
}

func (o *ObservedProvider) CountTokens(ctx context.Context, req *codepunk.LLMRequest) (int, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.count_tokens", trace.WithAttributes(
		AttrLLMModel.String(o.modelFor(req)),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()

	n, err := o.inner.CountTokens(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(AttrTokensInput.Int(n))
	return n, nil
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, resp *codepunk.LLMResponse) {
	usage := resp.Usage
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)
	if resp.Usage.EstimatedCost == 0 {
		resp.Usage.EstimatedCost = cost
	}

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)
	if resp.CacheInfo != nil {
		span.SetAttributes(
			AttrCacheCreationTokens.Int(resp.CacheInfo.CacheCreationTokens),
			AttrCacheReadTokens.Int(resp.CacheInfo.CacheReadTokens),
		)
		o.inst.CacheReads.Add(ctx, int64(resp.CacheInfo.CacheReadTokens), metric.WithAttributes(
			AttrLLMModel.String(model),
			AttrLLMProvider.String(o.inner.Name()),
		))
	}

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)
}

// compile-time checks
var (
	_ codepunk.Provider         = (*ObservedProvider)(nil)
	_ codepunk.SessionDefaulter = (*ObservedProvider)(nil)
)

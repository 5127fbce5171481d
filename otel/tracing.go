// Package otel provides OpenTelemetry integration for trial-run events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalgp/runtime"
)

// TracingHandler translates runtime events into OpenTelemetry spans.
// Each run gets a root span; each trial becomes a child span covering
// [Time-Elapsed, Time] of its trial event.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.RWMutex
	runSpans map[string]trace.Span      // runID -> span
	runCtxs  map[string]context.Context // runID -> context (for child spans)
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from runtime events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		runSpans: make(map[string]trace.Span),
		runCtxs:  make(map[string]context.Context),
	}
}

// Handle processes a runtime event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventTrialFinished, runtime.EventTrialFailed:
		h.handleTrial(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("petalgp.run_id", e.RunID),
			attribute.Int("petalgp.trials", payloadInt(e.Payload, "trials")),
			attribute.Int("petalgp.min_depth", payloadInt(e.Payload, "min_depth")),
			attribute.Int("petalgp.max_depth", payloadInt(e.Payload, "max_depth")),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleTrial records a complete span for one trial. The runner emits a
// single event per trial, so the span is started and ended here.
func (h *TracingHandler) handleTrial(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "trial",
		trace.WithAttributes(
			attribute.String("petalgp.run_id", e.RunID),
			attribute.Int("petalgp.trial", e.Trial),
			attribute.Int("petalgp.depth", payloadInt(e.Payload, "depth")),
			attribute.Int("petalgp.size", payloadInt(e.Payload, "size")),
		),
		trace.WithTimestamp(e.Time.Add(-e.Elapsed)),
	)

	if e.Kind == runtime.EventTrialFailed {
		errMsg := payloadString(e.Payload, "error", "unknown error")
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		if f, ok := e.Payload["result"].(float64); ok {
			span.SetAttributes(attribute.Float64("petalgp.result", f))
		}
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	status := payloadString(e.Payload, "status", "")
	span.SetAttributes(
		attribute.String("petalgp.duration", e.Elapsed.String()),
		attribute.String("petalgp.status", status),
		attribute.Int("petalgp.completed", payloadInt(e.Payload, "completed")),
		attribute.Int("petalgp.failed", payloadInt(e.Payload, "failed")),
	)

	if status == "completed" {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "run "+status)
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }

func payloadString(p map[string]any, key, fallback string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return fallback
}

// payloadInt reads an integer payload value. Events read back from a store
// carry JSON numbers as float64.
func payloadInt(p map[string]any, key string) int {
	switch n := p[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n) // #nosec G115 -- payload counters are small
	case float64:
		return int(n)
	default:
		return 0
	}
}

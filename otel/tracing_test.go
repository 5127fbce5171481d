package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	petalotel "github.com/petal-labs/petalgp/otel"
	"github.com/petal-labs/petalgp/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func hasAttr(span *tracetest.SpanStub, key string, want any) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.AsInterface() == want {
			return true
		}
	}
	return false
}

func startRun(h *petalotel.TracingHandler, runID string, at time.Time) {
	h.Handle(runtime.Event{
		Kind:    runtime.EventRunStarted,
		RunID:   runID,
		Time:    at,
		Payload: map[string]any{"trials": 2, "min_depth": 3, "max_depth": 4},
	})
}

func finishRun(h *petalotel.TracingHandler, runID, status string, at time.Time) {
	h.Handle(runtime.Event{
		Kind:    runtime.EventRunFinished,
		RunID:   runID,
		Time:    at,
		Elapsed: 100 * time.Millisecond,
		Payload: map[string]any{"status": status, "completed": 1, "failed": 1},
	})
}

func TestTracingHandler_RunStartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	startRun(h, "run-1", now)

	if sc := h.ActiveRunSpanContext("run-1"); !sc.IsValid() {
		t.Fatal("expected valid run span context after run.started")
	}

	finishRun(h, "run-1", "completed", now.Add(100*time.Millisecond))

	span := findSpan(exporter.GetSpans(), "run:run-1")
	if span == nil {
		t.Fatal("did not find run:run-1 span")
	}
	if !hasAttr(span, "petalgp.run_id", "run-1") {
		t.Error("expected petalgp.run_id attribute on run span")
	}
	if !hasAttr(span, "petalgp.max_depth", int64(4)) {
		t.Error("expected petalgp.max_depth attribute on run span")
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("run span status = %v, want Ok", span.Status.Code)
	}
	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run span should no longer be active after run.finished")
	}
}

func TestTracingHandler_TrialSpanIsChildOfRun(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	startRun(h, "run-1", now)
	runSC := h.ActiveRunSpanContext("run-1")

	end := now.Add(20 * time.Millisecond)
	h.Handle(runtime.Event{
		Kind:    runtime.EventTrialFinished,
		RunID:   "run-1",
		Trial:   1,
		Time:    end,
		Elapsed: 5 * time.Millisecond,
		Payload: map[string]any{"depth": 3, "size": 7, "result": 4.5},
	})
	finishRun(h, "run-1", "completed", now.Add(30*time.Millisecond))

	trial := findSpan(exporter.GetSpans(), "trial")
	if trial == nil {
		t.Fatal("did not find trial span")
	}
	if trial.Parent.SpanID() != runSC.SpanID() {
		t.Error("expected trial span parent to be the run span")
	}
	if !trial.StartTime.Equal(end.Add(-5*time.Millisecond)) || !trial.EndTime.Equal(end) {
		t.Errorf("trial span covers %v..%v, want the 5ms before the event", trial.StartTime, trial.EndTime)
	}
	if !hasAttr(trial, "petalgp.size", int64(7)) {
		t.Error("expected petalgp.size attribute")
	}
	if !hasAttr(trial, "petalgp.result", 4.5) {
		t.Error("expected petalgp.result attribute")
	}
}

func TestTracingHandler_TrialFailedSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	startRun(h, "run-1", now)
	h.Handle(runtime.Event{
		Kind:    runtime.EventTrialFailed,
		RunID:   "run-1",
		Trial:   2,
		Time:    now.Add(time.Millisecond),
		Payload: map[string]any{"error": "not a number"},
	})

	trial := findSpan(exporter.GetSpans(), "trial")
	if trial == nil {
		t.Fatal("did not find trial span")
	}
	if trial.Status.Code != otelcodes.Error {
		t.Errorf("status = %v, want Error", trial.Status.Code)
	}
	if trial.Status.Description != "not a number" {
		t.Errorf("description = %q, want %q", trial.Status.Description, "not a number")
	}
	if len(trial.Events) == 0 {
		t.Error("expected the error to be recorded as a span event")
	}
}

func TestTracingHandler_TrialWithoutRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.Event{Kind: runtime.EventTrialFinished, RunID: "orphan", Trial: 1, Time: time.Now()})

	trial := findSpan(exporter.GetSpans(), "trial")
	if trial == nil {
		t.Fatal("expected a root trial span when no run span exists")
	}
	if trial.Parent.IsValid() {
		t.Error("orphan trial span should have no parent")
	}
}

func TestTracingHandler_RunFinishedWithFailedStatus(t *testing.T) {
	for _, status := range []string{"failed", "canceled"} {
		t.Run(status, func(t *testing.T) {
			exporter, tp := newTestTracer()
			h := petalotel.NewTracingHandler(tp.Tracer("test"))

			now := time.Now()
			startRun(h, "run-1", now)
			finishRun(h, "run-1", status, now.Add(time.Second))

			span := findSpan(exporter.GetSpans(), "run:run-1")
			if span == nil {
				t.Fatal("did not find run span")
			}
			if span.Status.Code != otelcodes.Error {
				t.Errorf("status = %v, want Error", span.Status.Code)
			}
			if !hasAttr(span, "petalgp.status", status) {
				t.Errorf("expected petalgp.status=%s", status)
			}
		})
	}
}

func TestTracingHandler_RunFinishedWithoutStartIsIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	finishRun(h, "never-started", "completed", time.Now())

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("got %d spans, want 0", n)
	}
}

func TestTracingHandler_FullLifecycleFromRunner(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	opts := runtime.DefaultRunOptions()
	opts.Trials = 25
	opts.Seed = 7
	opts.EventHandler = h.Handle

	sum, err := runtime.NewRunner().Run(t.Context(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 26 {
		t.Fatalf("got %d spans, want 25 trials + 1 run", len(spans))
	}
	if findSpan(spans, "run:"+sum.RunID) == nil {
		t.Error("missing run span")
	}
}

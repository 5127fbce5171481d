package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalgp/runtime"
)

// MetricsHandler translates runtime events into OpenTelemetry metrics.
// It records counters for trial executions and failures, histograms for
// trial duration and tree size, and the run duration.
type MetricsHandler struct {
	trialExecutions metric.Int64Counter
	trialFailures   metric.Int64Counter
	trialDuration   metric.Float64Histogram
	treeSize        metric.Int64Histogram
	runDuration     metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	trialExec, err := meter.Int64Counter("petalgp.trial.executions",
		metric.WithDescription("Number of trials run"),
	)
	if err != nil {
		return nil, err
	}

	trialFail, err := meter.Int64Counter("petalgp.trial.failures",
		metric.WithDescription("Number of trials whose evaluation panicked"),
	)
	if err != nil {
		return nil, err
	}

	trialDur, err := meter.Float64Histogram("petalgp.trial.duration",
		metric.WithDescription("Duration of one generate and evaluate cycle in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	size, err := meter.Int64Histogram("petalgp.tree.size",
		metric.WithDescription("Number of nodes in generated trees"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("petalgp.run.duration",
		metric.WithDescription("Duration of a trial run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		trialExecutions: trialExec,
		trialFailures:   trialFail,
		trialDuration:   trialDur,
		treeSize:        size,
		runDuration:     runDur,
	}, nil
}

// Handle processes a runtime event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventTrialFinished, runtime.EventTrialFailed:
		h.handleTrial(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *MetricsHandler) handleTrial(e runtime.Event) {
	ctx := context.Background()
	outcome := "ok"
	if e.Kind == runtime.EventTrialFailed {
		outcome = "failed"
		h.trialFailures.Add(ctx, 1)
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	h.trialExecutions.Add(ctx, 1, attrs)
	h.trialDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	h.treeSize.Record(ctx, int64(payloadInt(e.Payload, "size")))
}

func (h *MetricsHandler) handleRunFinished(e runtime.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("status", payloadString(e.Payload, "status", "")),
	)
	h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/petalgp/runtime"
)

// instrumentationName names the tracer and meter used by Setup.
const instrumentationName = "github.com/petal-labs/petalgp"

// Config selects where telemetry goes.
type Config struct {
	// ServiceName is reported as service.name (default "petalgp").
	ServiceName string

	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export
	// unless SpanExporter is set.
	Endpoint string

	// Insecure sends traces over plain HTTP.
	Insecure bool

	// SpanExporter overrides the OTLP exporter, mainly for tests.
	SpanExporter sdktrace.SpanExporter

	// MetricReader receives metrics (nil = metrics are recorded but not read).
	MetricReader sdkmetric.Reader
}

// Telemetry owns the providers built by Setup and the handlers fed from
// runtime events.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracing        *TracingHandler
	Metrics        *MetricsHandler
}

// Setup builds tracer and meter providers from cfg.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "petalgp"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch {
	case cfg.SpanExporter != nil:
		traceOpts = append(traceOpts, sdktrace.WithSyncer(cfg.SpanExporter))
	case cfg.Endpoint != "":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otel: create exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		metricOpts = append(metricOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	metrics, err := NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("otel: create instruments: %w", err)
	}

	return &Telemetry{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracing:        NewTracingHandler(tp.Tracer(instrumentationName)),
		Metrics:        metrics,
	}, nil
}

// Handler feeds events to both the tracing and metrics handlers.
func (t *Telemetry) Handler() runtime.EventHandler {
	return runtime.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// Decorator stamps emitted events with the active run span.
func (t *Telemetry) Decorator() runtime.EventEmitterDecorator {
	return Decorator(t.Tracing)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.TracerProvider.Shutdown(ctx), t.MeterProvider.Shutdown(ctx))
}

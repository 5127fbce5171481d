package otel

import (
	"github.com/petal-labs/petalgp/runtime"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// Events of a run whose span is active get that span's TraceID and SpanID.
// When no span is active, the event passes through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator returns EnrichEmitter as a runtime.EventEmitterDecorator.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(emit, tracing)
	}
}

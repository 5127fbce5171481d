// Package runtime runs batches of random generate-and-evaluate trials and
// reports what happened as a stream of events.
package runtime

import (
	"sync/atomic"
	"time"
)

// EventKind identifies the type of event emitted by the runner.
type EventKind string

const (
	// EventRunStarted is emitted when a batch of trials begins.
	EventRunStarted EventKind = "run.started"

	// EventTrialFinished is emitted when a trial's tree was generated,
	// evaluated and forced without error.
	EventTrialFinished EventKind = "trial.finished"

	// EventTrialFailed is emitted when forcing a trial's tree panicked.
	EventTrialFailed EventKind = "trial.failed"

	// EventRunFinished is emitted when the batch completes, fails or is
	// canceled.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Trial events carry statistics about the generated tree, never the tree
// itself.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// Trial is the 1-indexed trial number (0 for run-level events).
	Trial int `json:"trial,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Elapsed is the duration since the run or trial started.
	Elapsed time.Duration `json:"elapsed"`

	// Payload contains event-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64 `json:"seq"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithTrial sets the trial number on the event.
func (e Event) WithTrial(trial int) Event {
	e.Trial = trial
	return e
}

// WithTime sets the event timestamp.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// such as enriching events with trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runner
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

// seqGen produces monotonically increasing sequence numbers for a single run.
type seqGen struct {
	counter atomic.Uint64
}

// next returns the next sequence number (1-indexed).
func (s *seqGen) next() uint64 {
	return s.counter.Add(1)
}

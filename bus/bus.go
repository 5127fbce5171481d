// Package bus distributes trial-run events to subscribers and persists them
// for later inspection. It decouples the trial runner from observers such as
// the CLI progress display, the run store and telemetry handlers.
package bus

import "github.com/petal-labs/petalgp/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a specific run. When kinds are
	// given, only events of those kinds are delivered.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string, kinds ...runtime.EventKind) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs,
	// optionally filtered by kind.
	// Returns a Subscription that must be closed when done.
	SubscribeAll(kinds ...runtime.EventKind) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan runtime.Event

	// Close unsubscribes and releases resources.
	Close() error
}

package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/petalgp/runtime"
)

// StoreSubscriber writes events to an EventStore.
// Its Handle method has runtime.EventHandler semantics.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store. Failures are logged, never
// returned, so a broken store cannot stop a run.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Drain persists every event from sub until its channel is closed.
func (s *StoreSubscriber) Drain(sub Subscription) {
	for e := range sub.Events() {
		s.Handle(e)
	}
}

package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/petalgp/runtime"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event // runID -> events
	order  []string                   // run ids in first-seen order
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]runtime.Event),
	}
}

// Append stores an event.
func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.events[event.RunID]; !seen {
		s.order = append(s.order, event.RunID)
	}
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

// List returns events for a run with Seq > afterSeq, at most limit of them.
func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[runID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[runID] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

// Runs returns one record per run in first-seen order.
func (s *MemEventStore) Runs(_ context.Context) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]RunRecord, 0, len(s.order))
	for _, id := range s.order {
		rec := RunRecord{RunID: id}
		for _, e := range s.events[id] {
			rec.apply(e)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)

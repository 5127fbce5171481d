package bus

import (
	"context"
	"time"

	"github.com/petal-labs/petalgp/runtime"
)

// EventStore persists run events for replay and reporting.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events for a run, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// Runs returns one record per stored run, oldest first.
	Runs(ctx context.Context) ([]RunRecord, error)
}

// RunRecord summarizes a stored run from its run.started and run.finished
// events. Status is empty while the run has not finished.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Started   time.Time `json:"started"`
	Status    string    `json:"status,omitempty"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Events    int       `json:"events"`
}

// apply folds one event into the record.
func (r *RunRecord) apply(e runtime.Event) {
	r.Events++
	switch e.Kind {
	case runtime.EventRunStarted:
		r.Started = e.Time
	case runtime.EventRunFinished:
		r.Status, _ = e.Payload["status"].(string)
		r.Completed = payloadInt(e.Payload["completed"])
		r.Failed = payloadInt(e.Payload["failed"])
	}
}

// payloadInt reads an integer payload value that may have been decoded from
// JSON as float64.
func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Summarize folds the events of one run into a RunRecord. ok is false when
// there are no events.
func Summarize(runID string, events []runtime.Event) (rec RunRecord, ok bool) {
	if len(events) == 0 {
		return RunRecord{}, false
	}
	rec.RunID = runID
	for _, e := range events {
		rec.apply(e)
	}
	return rec, true
}

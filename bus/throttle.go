package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/petalgp/runtime"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced trial events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a runtime.EventEmitter and coalesces the
// high-frequency trial.finished and trial.failed events of a run. Run-level
// events pass through immediately. Within each interval only the latest
// trial event per run is kept; a background ticker flushes them. The CLI
// uses it to show progress of large batches without printing every trial.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]runtime.Event // runID -> latest trial event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a ThrottledEmitter around emit. emit is called
// from the caller's goroutine and from the flush goroutine, so it must be
// safe for concurrent use.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]runtime.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

func isTrialEvent(kind runtime.EventKind) bool {
	return kind == runtime.EventTrialFinished || kind == runtime.EventTrialFailed
}

// Emit sends an event through the throttled emitter. A run-level event first
// flushes the run's pending trial event so ordering within a run holds.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	if !isTrialEvent(e.Kind) {
		te.mu.Lock()
		pending, ok := te.pending[e.RunID]
		if ok {
			delete(te.pending, e.RunID)
		}
		te.mu.Unlock()
		if ok {
			te.emit(pending)
		}
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return
	}
	te.pending[e.RunID] = e
}

// Handle is Emit with runtime.EventHandler semantics.
func (te *ThrottledEmitter) Handle(e runtime.Event) {
	te.Emit(e)
}

// Close flushes any pending trial events and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

// run is the background goroutine that periodically flushes coalesced events.
func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

// flush sends all pending trial events to the wrapped emitter.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	toFlush := te.pending
	te.pending = make(map[string]runtime.Event)
	te.mu.Unlock()

	for _, e := range toFlush {
		te.emit(e)
	}
}

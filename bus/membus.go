package bus

import (
	"slices"
	"sync"

	"github.com/petal-labs/petalgp/runtime"
)

// allRuns keys the subscribers registered through SubscribeAll.
const allRuns = ""

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel capacity of each subscription
	// (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-process EventBus. Delivery never blocks the publisher:
// a subscriber whose buffer is full misses the event.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub // run id, or allRuns
	bufSize int
	closed  bool
}

// NewMemBus creates an empty bus.
func NewMemBus(config MemBusConfig) *MemBus {
	size := config.SubscriberBufferSize
	if size <= 0 {
		size = 256
	}
	return &MemBus{subs: make(map[string][]*memSub), bufSize: size}
}

// Publish delivers event to the subscribers of its run and to every
// all-runs subscriber. It is a no-op on a closed bus.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[event.RunID] {
		s.offer(event)
	}
	for _, s := range b.subs[allRuns] {
		s.offer(event)
	}
}

// Subscribe follows one run.
func (b *MemBus) Subscribe(runID string, kinds ...runtime.EventKind) Subscription {
	return b.add(runID, kinds)
}

// SubscribeAll follows every run.
func (b *MemBus) SubscribeAll(kinds ...runtime.EventKind) Subscription {
	return b.add(allRuns, kinds)
}

func (b *MemBus) add(key string, kinds []runtime.EventKind) *memSub {
	s := &memSub{bus: b, key: key, kinds: kinds, ch: make(chan runtime.Event, b.bufSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.shut()
		return s
	}
	b.subs[key] = append(b.subs[key], s)
	return s
}

// remove detaches s so a closed subscription is no longer retained.
func (b *MemBus) remove(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := slices.DeleteFunc(b.subs[s.key], func(x *memSub) bool { return x == s })
	if len(list) == 0 {
		delete(b.subs, s.key)
		return
	}
	b.subs[s.key] = list
}

// subscribers reports how many subscriptions are attached under key.
func (b *MemBus) subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Close ends every subscription. Later subscriptions start closed.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, list := range b.subs {
		for _, s := range list {
			s.shut()
		}
	}
	clear(b.subs)
	return nil
}

type memSub struct {
	bus   *MemBus
	key   string
	kinds []runtime.EventKind // empty: every kind
	ch    chan runtime.Event

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

// Close detaches the subscription and closes its channel. Repeated calls
// are no-ops.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.shut()
	return nil
}

func (s *memSub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// offer delivers event if its kind is wanted and the buffer has room.
func (s *memSub) offer(event runtime.Event) {
	if len(s.kinds) > 0 && !slices.Contains(s.kinds, event.Kind) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)

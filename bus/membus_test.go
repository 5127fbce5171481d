package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalgp/runtime"
)

func receive(t *testing.T, sub Subscription) runtime.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return runtime.Event{}
}

func TestMemBus_PublishSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))

	received := receive(t, sub)
	if received.Kind != runtime.EventRunStarted {
		t.Errorf("got kind %v, want %v", received.Kind, runtime.EventRunStarted)
	}
	if received.RunID != "run-1" {
		t.Errorf("got RunID %q, want %q", received.RunID, "run-1")
	}
}

func TestMemBus_FanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	subs := []Subscription{b.Subscribe("run-1"), b.Subscribe("run-1"), b.Subscribe("run-1")}
	for _, s := range subs {
		defer s.Close()
	}

	b.Publish(runtime.NewEvent(runtime.EventTrialFinished, "run-1"))

	for i, sub := range subs {
		if e := receive(t, sub); e.Kind != runtime.EventTrialFinished {
			t.Errorf("sub%d: got kind %v, want %v", i, e.Kind, runtime.EventTrialFinished)
		}
	}
}

func TestMemBus_RunIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("run-1")
	defer sub1.Close()
	sub2 := b.Subscribe("run-2")
	defer sub2.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))

	receive(t, sub1)
	select {
	case e := <-sub2.Events():
		t.Errorf("run-2 subscriber received event for %s", e.RunID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_KindFilter(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.SubscribeAll(runtime.EventRunFinished)
	defer sub.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	b.Publish(runtime.NewEvent(runtime.EventTrialFinished, "run-1"))
	b.Publish(runtime.NewEvent(runtime.EventRunFinished, "run-1"))

	if e := receive(t, sub); e.Kind != runtime.EventRunFinished {
		t.Errorf("got kind %v, want %v", e.Kind, runtime.EventRunFinished)
	}
	if len(sub.Events()) != 0 {
		t.Errorf("filtered subscription has %d extra events", len(sub.Events()))
	}
}

func TestMemBus_SubscribeAllWithRunSpecific(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	all := b.SubscribeAll()
	defer all.Close()
	one := b.Subscribe("run-1")
	defer one.Close()

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-2"))

	receive(t, all)
	receive(t, all)
	receive(t, one)
	if len(one.Events()) != 0 {
		t.Error("run-specific subscriber should only see its run")
	}
}

func TestMemBus_DoubleCloseSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	if err := sub.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1")) // must not panic
}

func TestMemBus_ClosedBus(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-1")
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("subscription channel should be closed after bus Close")
	}
	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))

	late := b.SubscribeAll()
	if _, ok := <-late.Events(); ok {
		t.Error("subscribing to a closed bus should yield a closed channel")
	}
}

func TestMemBus_BufferOverflow(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer b.Close()

	sub := b.Subscribe("run-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(runtime.NewEvent(runtime.EventTrialFinished, "run-1").WithTrial(i + 1))
	}
	if got := len(sub.Events()); got != 2 {
		t.Errorf("buffered %d events, want 2", got)
	}
}

func TestMemBus_ConcurrentPublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1000})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(runtime.NewEvent(runtime.EventTrialFinished, "run-1"))
			}
		}()
	}
	wg.Wait()

	if got := len(sub.Events()); got != 500 {
		t.Errorf("received %d events, want 500", got)
	}
}

func TestMemBus_CloseDetachesSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	keep := b.Subscribe("run-1")
	defer keep.Close()
	gone := b.Subscribe("run-1")
	all := b.SubscribeAll()

	gone.Close()
	all.Close()
	if n := b.subscribers("run-1"); n != 1 {
		t.Errorf("run-1 has %d subscribers after Close, want 1", n)
	}
	if n := b.subscribers(allRuns); n != 0 {
		t.Errorf("all-runs has %d subscribers after Close, want 0", n)
	}

	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	receive(t, keep)
}

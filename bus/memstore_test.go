package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/petalgp/runtime"
)

func TestMemEventStore_Append_List(t *testing.T) {
	store := NewMemEventStore()
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		store.Append(ctx, makeEvent("run-1", i, runtime.EventTrialFinished))
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
}

func TestMemEventStore_List_AfterSeqWithLimit(t *testing.T) {
	store := NewMemEventStore()
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		store.Append(ctx, makeEvent("run-1", i, runtime.EventTrialFinished))
	}

	events, _ := store.List(ctx, "run-1", 4, 3)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Seq != 5 || events[2].Seq != 7 {
		t.Errorf("got seqs %d..%d, want 5..7", events[0].Seq, events[2].Seq)
	}
}

func TestMemEventStore_LatestSeq(t *testing.T) {
	store := NewMemEventStore()
	ctx := context.Background()

	if seq, _ := store.LatestSeq(ctx, "run-1"); seq != 0 {
		t.Errorf("LatestSeq on empty store = %d, want 0", seq)
	}
	store.Append(ctx, makeEvent("run-1", 3, runtime.EventTrialFinished))
	store.Append(ctx, makeEvent("run-1", 7, runtime.EventTrialFinished))
	store.Append(ctx, makeEvent("run-1", 5, runtime.EventTrialFinished))
	if seq, _ := store.LatestSeq(ctx, "run-1"); seq != 7 {
		t.Errorf("LatestSeq = %d, want 7", seq)
	}
}

func TestMemEventStore_Runs(t *testing.T) {
	store := NewMemEventStore()
	ctx := context.Background()

	for _, e := range sampleRun("run-b") {
		store.Append(ctx, e)
	}
	for _, e := range sampleRun("run-a") {
		store.Append(ctx, e)
	}

	runs, err := store.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-b" || runs[1].RunID != "run-a" {
		t.Fatalf("Runs = %+v, want run-b then run-a", runs)
	}
	checkSampleRecord(t, runs[0])
}

func TestSummarize(t *testing.T) {
	if _, ok := Summarize("run-1", nil); ok {
		t.Error("Summarize(nil) should report no run")
	}
	rec, ok := Summarize("run-1", sampleRun("run-1"))
	if !ok {
		t.Fatal("Summarize should report a run")
	}
	if rec.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", rec.RunID)
	}
	checkSampleRecord(t, rec)
}

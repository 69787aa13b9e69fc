package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/chatflow/core"
	"github.com/petal-labs/chatflow/engine"
)

func sampleEvents(runID string, n int) []engine.Event {
	events := make([]engine.Event, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, engine.Event{
			Kind:   engine.EventTrace,
			RunID:  runID,
			NodeID: "n1",
			Seq:    uint64(i),
			Time:   time.Date(2026, 8, 1, 0, 0, i, 0, time.UTC),
			Trace:  &core.TraceEvent{Type: "log", NodeID: "n1", Result: "noop"},
		})
	}
	return events
}

func testStore(t *testing.T, store EventStore) {
	t.Helper()
	ctx := context.Background()

	for _, e := range sampleEvents("run-1", 5) {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Append(ctx, sampleEvents("run-2", 1)[0]); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("List = %d events, want 5", len(all))
	}
	for i, e := range all {
		if e.Seq != uint64(i+1) {
			t.Fatalf("events out of order: %+v", all)
		}
	}
	if all[0].Trace == nil || all[0].Trace.Result != "noop" {
		t.Errorf("payload not round-tripped: %+v", all[0])
	}

	after, err := store.List(ctx, "run-1", 3, 0)
	if err != nil {
		t.Fatalf("List afterSeq: %v", err)
	}
	if len(after) != 2 || after[0].Seq != 4 {
		t.Fatalf("afterSeq filter wrong: %+v", after)
	}

	limited, err := store.List(ctx, "run-1", 0, 2)
	if err != nil {
		t.Fatalf("List limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit not applied: %d", len(limited))
	}

	seq, err := store.LatestSeq(ctx, "run-1")
	if err != nil || seq != 5 {
		t.Fatalf("LatestSeq = %d, %v; want 5", seq, err)
	}
	seq, err = store.LatestSeq(ctx, "missing")
	if err != nil || seq != 0 {
		t.Fatalf("LatestSeq missing run = %d, %v; want 0", seq, err)
	}

	ids, err := store.RunIDs(ctx)
	if err != nil {
		t.Fatalf("RunIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "run-1" || ids[1] != "run-2" {
		t.Fatalf("RunIDs = %v", ids)
	}
}

func TestMemEventStore(t *testing.T) {
	testStore(t, NewMemEventStore())
}

func TestSQLiteEventStore(t *testing.T) {
	store, err := NewSQLiteEventStore(SQLiteStoreConfig{
		DSN: filepath.Join(t.TempDir(), "events.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	defer store.Close()

	testStore(t, store)
}

func TestSQLiteEventStore_PruneByCount(t *testing.T) {
	store, err := NewSQLiteEventStore(SQLiteStoreConfig{
		DSN:            filepath.Join(t.TempDir(), "events.db"),
		RetentionCount: 2,
	})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, e := range sampleEvents("run-1", 5) {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 4 || events[1].Seq != 5 {
		t.Fatalf("pruned events = %+v, want the two most recent", events)
	}
}

func TestMemBus_RunScopedAndGlobalDelivery(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	runSub := b.Subscribe("run-1")
	allSub := b.SubscribeAll()

	b.Publish(engine.Event{Kind: engine.EventStatus, RunID: "run-1", Seq: 1})
	b.Publish(engine.Event{Kind: engine.EventStatus, RunID: "run-2", Seq: 1})

	select {
	case ev := <-runSub.Events():
		if ev.RunID != "run-1" {
			t.Fatalf("run sub got %q", ev.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("run subscriber got nothing")
	}
	select {
	case <-runSub.Events():
		t.Fatal("run subscriber received another run's event")
	default:
	}

	for range 2 {
		select {
		case <-allSub.Events():
		case <-time.After(time.Second):
			t.Fatal("global subscriber missed an event")
		}
	}
}

func TestMemBus_ClosedSubscriptionDropsEvents(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-1")
	sub.Close()

	// Publishing after close must not panic.
	b.Publish(engine.Event{Kind: engine.EventStatus, RunID: "run-1"})

	if _, ok := <-sub.Events(); ok {
		t.Fatal("closed subscription delivered an event")
	}
}

func TestStoreSubscriber_Persists(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, nil)

	sub.Handle(engine.Event{Kind: engine.EventStatus, RunID: "run-1", Seq: 1})

	events, err := store.List(context.Background(), "run-1", 0, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %v, %v", events, err)
	}
}

package eventfeed_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/memory"
)

func TestDispatcherBackfillPageLargerThanReaderLimit(t *testing.T) {
	store := memory.New()
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{PageSize: 600, BufferSize: 2048})
	backlog := appendCommitted(t, store, "u1", progressPayloads(700)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	done := h.serve(ctx, "u1", eventfeed.ID{}, tr)

	// Nothing has been polled yet, so every backlog event must come from backfill.
	waitFor(t, 2*time.Second, func() bool { return len(tr.events()) == len(backlog) })
	waitFor(t, time.Second, func() bool { return h.registry.Len() == 1 })

	live := appendCommitted(t, store, "u1", `{"pct":100}`)
	h.poll(t)
	waitFor(t, time.Second, func() bool { return len(tr.events()) == len(backlog)+1 })

	got := eventIDs(tr.events())
	want := append(backlog, live...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

// appendOpen stages one event in a transaction the caller commits later.
func appendOpen(t *testing.T, store *memory.Store, recipientID string) (*memory.Tx, eventfeed.ID) {
	t.Helper()
	tx := store.Begin()
	id, err := store.Append(context.Background(), tx, eventfeed.AppendRequest{
		RecipientID:   recipientID,
		EventType:     "job.progress",
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"pct":1}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	return tx, id
}

func TestDispatcherReconcileRecoversCommitBehindTailerFloor(t *testing.T) {
	start := time.Now().UTC()
	clock := newManualClock(start)
	store := memory.New(memory.WithClock(clock))
	metrics := &countingMetrics{}
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{
		Metrics:           metrics,
		ReconcileInterval: 20 * time.Millisecond,
		ReconcileSettle:   time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	done := h.serve(ctx, "u2", eventfeed.ID{}, tr)
	waitFor(t, time.Second, func() bool { return h.registry.Len() == 1 })

	// u2's transaction takes its ID at start but commits after u1's event ten seconds later
	// has moved the tailer floor past it.
	slow, late := appendOpen(t, store, "u2")
	clock.set(start.Add(10 * time.Second))
	appendCommitted(t, store, "u1", `{"pct":1}`)
	h.poll(t)
	if err := slow.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for range 3 {
		h.poll(t)
	}
	if h.tailer.Cursor().Compare(late) <= 0 {
		t.Fatalf("tailer floor %s did not pass the late row %s", h.tailer.Cursor(), late)
	}

	waitFor(t, 2*time.Second, func() bool { return len(tr.events()) == 1 })
	if got := tr.events()[0].ID; got != late {
		t.Fatalf("recovered %s, want %s", got, late)
	}
	if metrics.reconciled.Load() != 1 {
		t.Fatalf("reconciled = %d, want 1", metrics.reconciled.Load())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestDispatcherLiveGapTriggersReplay(t *testing.T) {
	start := time.Now().UTC()
	clock := newManualClock(start)
	store := memory.New(memory.WithClock(clock))
	metrics := &countingMetrics{}
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{
		Metrics:           metrics,
		ReconcileInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	done := h.serve(ctx, "u2", eventfeed.ID{}, tr)
	waitFor(t, time.Second, func() bool { return h.registry.Len() == 1 })

	slow, late := appendOpen(t, store, "u2")
	clock.set(start.Add(10 * time.Second))
	appendCommitted(t, store, "u1", `{"pct":1}`)
	h.poll(t)
	if err := slow.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	h.poll(t)

	// The next u2 event names the missed row as its predecessor.
	clock.set(start.Add(11 * time.Second))
	next := appendCommitted(t, store, "u2", `{"pct":2}`)
	h.poll(t)

	waitFor(t, time.Second, func() bool { return len(tr.events()) == 2 })
	got := eventIDs(tr.events())
	if got[0] != late || got[1] != next[0] {
		t.Fatalf("delivered %v, want [%s %s]", got, late, next[0])
	}
	if metrics.reconciled.Load() != 1 {
		t.Fatalf("reconciled = %d, want 1", metrics.reconciled.Load())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestDispatcherFutureMarkerKeepsLiveDelivery(t *testing.T) {
	store := memory.New()
	metrics := &countingMetrics{}
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{Metrics: metrics})
	appendCommitted(t, store, "u1", `{"pct":0}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	done := h.serve(ctx, "u1", eventfeed.MinIDAt(time.Now().Add(time.Hour)), tr)
	waitFor(t, time.Second, func() bool { return h.registry.Len() == 1 })

	live := appendCommitted(t, store, "u1", `{"pct":10}`, `{"pct":20}`)
	h.poll(t)
	waitFor(t, time.Second, func() bool { return len(tr.events()) == 2 })

	// The marker resumes from the recipient's head, so the older event is not resent.
	got := eventIDs(tr.events())
	if got[0] != live[0] || got[1] != live[1] {
		t.Fatalf("delivered %v, want %v", got, live)
	}
	if metrics.markersAhead.Load() != 1 {
		t.Fatalf("markers ahead = %d, want 1", metrics.markersAhead.Load())
	}
	if signals := tr.signals(); len(signals) != 0 {
		t.Fatalf("unexpected signals %v", signals)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestDispatcherFutureMarkerWithoutHeadFallsBackToClock(t *testing.T) {
	store := memory.New()
	metrics := &countingMetrics{}
	// flakySource exposes only replay, so no head is known.
	h := newHarness(t, &flakySource{ReplaySource: store}, store, eventfeed.DispatcherConfig{Metrics: metrics})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	done := h.serve(ctx, "u1", eventfeed.MinIDAt(time.Now().Add(time.Hour)), tr)
	waitFor(t, time.Second, func() bool { return h.registry.Len() == 1 })

	live := appendCommitted(t, store, "u1", `{"pct":10}`, `{"pct":20}`)
	h.poll(t)
	waitFor(t, time.Second, func() bool { return len(tr.events()) == 2 })

	got := eventIDs(tr.events())
	if got[0] != live[0] || got[1] != live[1] {
		t.Fatalf("delivered %v, want %v", got, live)
	}
	if metrics.markersAhead.Load() != 1 {
		t.Fatalf("markers ahead = %d, want 1", metrics.markersAhead.Load())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestReaderFutureSinceReturnsEmptyPage(t *testing.T) {
	store := memory.New()
	ids := appendCommitted(t, store, "u1", progressPayloads(2)...)
	reader := eventfeed.NewReader(store, eventfeed.ReaderConfig{})

	events, err := reader.ReplaySince(context.Background(), "u1", eventfeed.MinIDAt(time.Now().Add(time.Hour)), 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected an empty page, got %d events", len(events))
	}

	head, ok, err := reader.Head(context.Background(), "u1")
	if err != nil || !ok || head != ids[1] {
		t.Fatalf("head = %s, %t, %v; want %s", head, ok, err, ids[1])
	}
}

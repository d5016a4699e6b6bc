package eventfeed_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/memory"
)

func TestDispatcherBackfillThenLive(t *testing.T) {
	store := memory.New()
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{})
	backlog := appendCommitted(t, store, "u1", progressPayloads(3)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	done := h.serve(ctx, "u1", eventfeed.ID{}, tr)

	waitFor(t, time.Second, func() bool { return len(tr.events()) == 3 })
	waitFor(t, time.Second, func() bool { return h.registry.Len() == 1 })

	live := appendCommitted(t, store, "u1", `{"pct":100}`)
	h.poll(t)
	waitFor(t, time.Second, func() bool { return len(tr.events()) == 4 })

	got := eventIDs(tr.events())
	want := append(backlog, live...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v, want nil on disconnect", err)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry still holds %d connections", h.registry.Len())
	}
	if h.dispatcher.Active() != 0 {
		t.Fatalf("active = %d, want 0", h.dispatcher.Active())
	}
}

func TestDispatcherResumesAfterMarker(t *testing.T) {
	store := memory.New()
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{})
	ids := appendCommitted(t, store, "u1", progressPayloads(5)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	done := h.serve(ctx, "u1", ids[1], tr)

	waitFor(t, time.Second, func() bool { return len(tr.events()) == 3 })
	got := eventIDs(tr.events())
	for i, id := range ids[2:] {
		if got[i] != id {
			t.Fatalf("event %d = %s, want %s", i, got[i], id)
		}
	}

	cancel()
	<-done
}

func TestDispatcherDeliversToEveryConnectionOfRecipient(t *testing.T) {
	store := memory.New()
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second, other := newRecordingTransport(), newRecordingTransport(), newRecordingTransport()
	h.serve(ctx, "u1", eventfeed.ID{}, first)
	h.serve(ctx, "u1", eventfeed.ID{}, second)
	h.serve(ctx, "u2", eventfeed.ID{}, other)
	waitFor(t, time.Second, func() bool { return h.registry.Len() == 3 })

	appendCommitted(t, store, "u1", `{"a":1}`, `{"a":2}`)
	h.poll(t)

	waitFor(t, time.Second, func() bool { return len(first.events()) == 2 && len(second.events()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(other.messages()); n != 0 {
		t.Fatalf("u2 received %d messages for u1 events", n)
	}
}

func TestDispatcherStaleMarkerRequestsResync(t *testing.T) {
	store := memory.New()
	states := newStateLog()
	metrics := &countingMetrics{}
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{
		OnStateChange: states.record,
		Metrics:       metrics,
	})

	stale := eventfeed.MinIDAt(time.Now().Add(-120 * 24 * time.Hour)).Next()
	tr := newRecordingTransport()
	err := h.dispatcher.Serve(context.Background(), "u1", stale, tr)

	if !errors.Is(err, eventfeed.ErrStaleMarker) {
		t.Fatalf("expected ErrStaleMarker, got %v", err)
	}
	msgs := tr.messages()
	if len(msgs) != 1 || msgs[0].Signal != eventfeed.SignalResyncRequired {
		t.Fatalf("expected a single resync_required signal, got %+v", msgs)
	}
	if metrics.stale.Load() != 1 {
		t.Fatalf("stale markers = %d, want 1", metrics.stale.Load())
	}
	if !states.saw("u1", eventfeed.StateClosed) {
		t.Fatal("connection never reached closed state")
	}
	if h.registry.Len() != 0 {
		t.Fatal("stale connection stayed registered")
	}
}

func TestDispatcherSlowConsumerDegradesAndCatchesUp(t *testing.T) {
	store := memory.New()
	states := newStateLog()
	metrics := &countingMetrics{}
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{
		BufferSize:     8,
		ResyncPageSize: 16,
		OnStateChange:  states.record,
		Metrics:        metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	tr.gate = make(chan struct{})
	done := h.serve(ctx, "u1", eventfeed.ID{}, tr)
	waitFor(t, time.Second, func() bool { return states.saw("u1", eventfeed.StateLive) })

	const total = 1000
	ids := appendCommitted(t, store, "u1", progressPayloads(total)...)
	h.poll(t)

	if metrics.degraded.Load() != 1 {
		t.Fatalf("degraded = %d, want 1", metrics.degraded.Load())
	}
	if metrics.dropped.Load() == 0 {
		t.Fatal("expected overflowed events to be dropped")
	}

	close(tr.gate)
	waitFor(t, 5*time.Second, func() bool { return len(tr.events()) == total })

	events := tr.events()
	assertStrictlyIncreasing(t, events)
	if events[0].ID != ids[0] || events[total-1].ID != ids[total-1] {
		t.Fatal("catch-up did not cover the full range")
	}

	signals := tr.signals()
	if len(signals) != 1 || signals[0] != eventfeed.SignalBehind {
		t.Fatalf("expected one behind signal, got %v", signals)
	}
	if !states.saw("u1", eventfeed.StateDegraded) {
		t.Fatal("connection never reported degraded")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestDispatcherSlowConsumerDoesNotAffectOthers(t *testing.T) {
	store := memory.New()
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{BufferSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := newRecordingTransport()
	slow.gate = make(chan struct{})
	fast := newRecordingTransport()
	h.serve(ctx, "slow", eventfeed.ID{}, slow)
	h.serve(ctx, "fast", eventfeed.ID{}, fast)
	waitFor(t, time.Second, func() bool { return h.registry.Len() == 2 })

	appendCommitted(t, store, "slow", progressPayloads(50)...)
	appendCommitted(t, store, "fast", `{"ok":true}`)

	start := time.Now()
	h.poll(t)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked for %s", elapsed)
	}

	waitFor(t, time.Second, func() bool { return len(fast.events()) == 1 })
	close(slow.gate)
}

func TestDispatcherBackfillRetriesUnavailableStore(t *testing.T) {
	store := memory.New()
	source := &flakySource{ReplaySource: store}
	source.failures.Store(2)
	h := newHarness(t, source, store, eventfeed.DispatcherConfig{BackfillAttempts: 3})
	appendCommitted(t, store, "u1", progressPayloads(2)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newRecordingTransport()
	done := h.serve(ctx, "u1", eventfeed.ID{}, tr)
	waitFor(t, time.Second, func() bool { return len(tr.events()) == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestDispatcherBackfillGivesUp(t *testing.T) {
	store := memory.New()
	source := &flakySource{ReplaySource: store}
	source.failures.Store(10)
	h := newHarness(t, source, store, eventfeed.DispatcherConfig{BackfillAttempts: 2})

	err := h.dispatcher.Serve(context.Background(), "u1", eventfeed.ID{}, newRecordingTransport())
	if !errors.Is(err, eventfeed.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestDispatcherTransportFailureClosesConnection(t *testing.T) {
	store := memory.New()
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{})
	appendCommitted(t, store, "u1", `{"a":1}`)

	tr := newRecordingTransport()
	tr.err = errTransportClosed
	err := h.dispatcher.Serve(context.Background(), "u1", eventfeed.ID{}, tr)
	if !errors.Is(err, errTransportClosed) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if h.registry.Len() != 0 {
		t.Fatal("failed connection stayed registered")
	}
}

func TestDispatcherMarksDelivery(t *testing.T) {
	store := memory.New()
	h := newHarness(t, nil, store, eventfeed.DispatcherConfig{DeliveryMarker: store, MarkInterval: time.Hour})
	appendCommitted(t, store, "u1", progressPayloads(3)...)
	appendCommitted(t, store, "u2", `{"other":true}`)

	ctx, cancel := context.WithCancel(context.Background())
	tr := newRecordingTransport()
	done := h.serve(ctx, "u1", eventfeed.ID{}, tr)
	waitFor(t, time.Second, func() bool { return len(tr.events()) == 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}

	events, err := store.ReplaySince(context.Background(), "u1", eventfeed.ID{}, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, e := range events {
		if e.DeliveredAt == nil {
			t.Fatalf("event %s not marked delivered", e.ID)
		}
	}

	others, err := store.ReplaySince(context.Background(), "u2", eventfeed.ID{}, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if others[0].DeliveredAt != nil {
		t.Fatal("other recipient's event marked delivered")
	}
}

func TestDispatcherRejectsEmptyRecipient(t *testing.T) {
	h := newHarness(t, nil, memory.New(), eventfeed.DispatcherConfig{})
	err := h.dispatcher.Serve(context.Background(), "", eventfeed.ID{}, newRecordingTransport())
	if !errors.Is(err, eventfeed.ErrRecipientRequired) {
		t.Fatalf("expected ErrRecipientRequired, got %v", err)
	}
}

package eventfeed_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/memory"
)

type recordingTransport struct {
	mu     sync.Mutex
	msgs   []eventfeed.Message
	gate   chan struct{}
	err    error
	notify chan struct{}
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{notify: make(chan struct{}, 1)}
}

func (t *recordingTransport) Send(ctx context.Context, msg eventfeed.Message) error {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.err != nil {
		return t.err
	}

	t.mu.Lock()
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}

	return nil
}

func (t *recordingTransport) messages() []eventfeed.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]eventfeed.Message, len(t.msgs))
	copy(out, t.msgs)

	return out
}

func (t *recordingTransport) events() []eventfeed.Event {
	var out []eventfeed.Event
	for _, msg := range t.messages() {
		if msg.Event != nil {
			out = append(out, *msg.Event)
		}
	}

	return out
}

func (t *recordingTransport) signals() []eventfeed.Signal {
	var out []eventfeed.Signal
	for _, msg := range t.messages() {
		if msg.Signal != eventfeed.SignalNone {
			out = append(out, msg.Signal)
		}
	}

	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func appendCommitted(t *testing.T, store *memory.Store, recipientID string, payloads ...string) []eventfeed.ID {
	t.Helper()
	out := make([]eventfeed.ID, 0, len(payloads))
	for _, payload := range payloads {
		tx := store.Begin()
		id, err := store.Append(context.Background(), tx, eventfeed.AppendRequest{
			RecipientID:   recipientID,
			EventType:     "job.progress",
			SchemaVersion: 1,
			Payload:       json.RawMessage(payload),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		out = append(out, id)
	}

	return out
}

func progressPayloads(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(`{"seq":%d}`, i)
	}

	return out
}

func eventIDs(events []eventfeed.Event) []eventfeed.ID {
	out := make([]eventfeed.ID, len(events))
	for i, e := range events {
		out[i] = e.ID
	}

	return out
}

func assertStrictlyIncreasing(t *testing.T, events []eventfeed.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		if events[i].ID.Compare(events[i-1].ID) <= 0 {
			t.Fatalf("event %d (%s) does not sort after %s", i, events[i].ID, events[i-1].ID)
		}
	}
}

// flakySource fails the first n replay calls with a transient error.
type flakySource struct {
	eventfeed.ReplaySource
	failures atomic.Int32
}

func (f *flakySource) ReplaySince(ctx context.Context, recipientID string, since eventfeed.ID, limit int) ([]eventfeed.Event, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: connection reset", eventfeed.ErrStoreUnavailable)
	}

	return f.ReplaySource.ReplaySince(ctx, recipientID, since, limit)
}

type stateLog struct {
	mu     sync.Mutex
	states map[string][]eventfeed.State
}

func newStateLog() *stateLog {
	return &stateLog{states: make(map[string][]eventfeed.State)}
}

func (l *stateLog) record(recipientID string, s eventfeed.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[recipientID] = append(l.states[recipientID], s)
}

func (l *stateLog) saw(recipientID string, s eventfeed.State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states[recipientID] {
		if got == s {
			return true
		}
	}

	return false
}

var errTransportClosed = errors.New("transport closed")

type countingMetrics struct {
	eventfeed.NopMetrics
	dropped      atomic.Int64
	degraded     atomic.Int64
	stale        atomic.Int64
	reconciled   atomic.Int64
	markersAhead atomic.Int64
}

func (m *countingMetrics) AddDropped(n int)      { m.dropped.Add(int64(n)) }
func (m *countingMetrics) AddDegraded(n int)     { m.degraded.Add(int64(n)) }
func (m *countingMetrics) AddStaleMarkers(n int) { m.stale.Add(int64(n)) }
func (m *countingMetrics) AddReconciled(n int)   { m.reconciled.Add(int64(n)) }
func (m *countingMetrics) AddMarkersAhead(n int) { m.markersAhead.Add(int64(n)) }

// manualClock is a settable time source for stores whose IDs must land at chosen instants.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type harness struct {
	store      *memory.Store
	registry   *eventfeed.Registry
	reader     *eventfeed.Reader
	dispatcher *eventfeed.Dispatcher
	tailer     *eventfeed.Tailer
}

func newHarness(t *testing.T, source eventfeed.ReplaySource, store *memory.Store, cfg eventfeed.DispatcherConfig) *harness {
	t.Helper()
	if source == nil {
		source = store
	}
	registry := eventfeed.NewRegistry(8)
	reader := eventfeed.NewReader(source, eventfeed.ReaderConfig{
		Attempts:     1,
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
	})
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = time.Millisecond
		cfg.RetryMax = time.Millisecond
	}
	dispatcher := eventfeed.NewDispatcher(reader, registry, cfg)
	tailer := eventfeed.NewTailer(store, dispatcher, eventfeed.TailerConfig{})

	return &harness{store: store, registry: registry, reader: reader, dispatcher: dispatcher, tailer: tailer}
}

func (h *harness) serve(ctx context.Context, recipientID string, since eventfeed.ID, tr eventfeed.Transport) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- h.dispatcher.Serve(ctx, recipientID, since, tr)
	}()

	return done
}

func (h *harness) poll(t *testing.T) {
	t.Helper()
	if _, err := h.tailer.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
}

package eventfeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTailSource struct {
	mu     sync.Mutex
	events []Event
	errs   []error
	calls  int
}

func (f *fakeTailSource) TailAfter(_ context.Context, after ID, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	out := make([]Event, 0, limit)
	for _, e := range f.events {
		if e.ID.Compare(after) > 0 && len(out) < limit {
			out = append(out, e)
		}
	}

	return out, nil
}

func (f *fakeTailSource) add(events ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, events...)
	sort.Slice(f.events, func(i, j int) bool {
		return f.events[i].ID.Compare(f.events[j].ID) < 0
	})
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{notify: make(chan struct{}, 64)}
}

func (s *captureSink) Publish(_ context.Context, events []Event) {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)

	return out
}

type panicSink struct{}

func (panicSink) Publish(context.Context, []Event) {
	panic("sink exploded")
}

type captureMetrics struct {
	NopMetrics
	pollErrors atomic.Int64
	emitted    atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	degraded   atomic.Int64
	resyncs    atomic.Int64
	stale      atomic.Int64
	conns      atomic.Int64
}

func (m *captureMetrics) AddPollErrors(n int)   { m.pollErrors.Add(int64(n)) }
func (m *captureMetrics) AddEmitted(n int)      { m.emitted.Add(int64(n)) }
func (m *captureMetrics) AddDelivered(n int)    { m.delivered.Add(int64(n)) }
func (m *captureMetrics) AddDropped(n int)      { m.dropped.Add(int64(n)) }
func (m *captureMetrics) AddDegraded(n int)     { m.degraded.Add(int64(n)) }
func (m *captureMetrics) AddResyncs(n int)      { m.resyncs.Add(int64(n)) }
func (m *captureMetrics) AddStaleMarkers(n int) { m.stale.Add(int64(n)) }
func (m *captureMetrics) SetConnections(n int)  { m.conns.Store(int64(n)) }

type chanNotifier chan struct{}

func (n chanNotifier) Wake() <-chan struct{} { return n }

func eventAt(recipientID string, at time.Time, seq byte) Event {
	id := MinIDAt(at)
	id[6] = 0x70
	id[15] = seq

	return Event{ID: id, RecipientID: recipientID, EventType: "job.progress", SchemaVersion: 1, OccurredAt: id.Time()}
}

func tailerConfig(now time.Time) TailerConfig {
	return TailerConfig{
		Clock:        fixedClock{now: now},
		Lookback:     5 * time.Second,
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
	}
}

func ids(events []Event) []ID {
	out := make([]ID, len(events))
	for i, e := range events {
		out[i] = e.ID
	}

	return out
}

func TestTailerPublishesInOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeTailSource{}
	e1 := eventAt("u1", base.Add(time.Second), 1)
	e2 := eventAt("u2", base.Add(2*time.Second), 1)
	e3 := eventAt("u1", base.Add(3*time.Second), 1)
	src.add(e3, e1, e2)
	sink := newCaptureSink()

	tailer := NewTailer(src, sink, tailerConfig(base))
	n, err := tailer.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 events, got %d", n)
	}
	got := ids(sink.snapshot())
	want := []ID{e1.ID, e2.ID, e3.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestTailerPagesThroughBatches(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeTailSource{}
	for i := 1; i <= 5; i++ {
		src.add(eventAt(fmt.Sprintf("u%d", i), base.Add(time.Duration(i)*time.Millisecond), 1))
	}
	sink := newCaptureSink()
	cfg := tailerConfig(base)
	cfg.BatchSize = 2

	tailer := NewTailer(src, sink, cfg)
	n, err := tailer.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 events, got %d", n)
	}
	if src.calls != 3 {
		t.Fatalf("expected 3 pages, got %d", src.calls)
	}
}

func TestTailerRescanDoesNotRepublish(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeTailSource{}
	src.add(eventAt("u1", base.Add(time.Second), 1), eventAt("u2", base.Add(2*time.Second), 1))
	sink := newCaptureSink()
	tailer := NewTailer(src, sink, tailerConfig(base))

	if _, err := tailer.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	n, err := tailer.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no republished events, got %d", n)
	}
}

func TestTailerFindsLateCommitInsideLookback(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeTailSource{}
	src.add(eventAt("u1", base.Add(time.Second), 1), eventAt("u2", base.Add(3*time.Second), 1))
	sink := newCaptureSink()
	tailer := NewTailer(src, sink, tailerConfig(base))

	if _, err := tailer.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	late := eventAt("u3", base.Add(2*time.Second), 1)
	src.add(late)

	n, err := tailer.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	events := sink.snapshot()
	if n != 1 || events[len(events)-1].ID != late.ID {
		t.Fatalf("expected the late event to be published once, got %d", n)
	}
}

func TestTailerFloorAdvancesAndPrunes(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeTailSource{}
	src.add(eventAt("u1", base.Add(time.Second), 1))
	sink := newCaptureSink()
	tailer := NewTailer(src, sink, tailerConfig(base))

	if _, err := tailer.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	src.add(eventAt("u2", base.Add(time.Minute), 1))
	if _, err := tailer.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if got, want := tailer.Cursor(), MinIDAt(base.Add(time.Minute-5*time.Second)); got != want {
		t.Fatalf("expected floor %s, got %s", want, got)
	}
	if _, ok := tailer.seen["u1"]; ok {
		t.Fatalf("expected u1 high-water mark to be pruned")
	}
	if _, ok := tailer.seen["u2"]; !ok {
		t.Fatalf("expected u2 high-water mark to be kept")
	}
}

func TestTailerRunRetriesAfterStoreError(t *testing.T) {
	base := time.Now().UTC()
	src := &fakeTailSource{errs: []error{fmt.Errorf("%w: timeout", ErrStoreUnavailable)}}
	src.add(eventAt("u1", base, 1))
	sink := newCaptureSink()
	metrics := &captureMetrics{}
	cfg := tailerConfig(base.Add(-time.Second))
	cfg.Metrics = metrics

	tailer := NewTailer(src, sink, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tailer.Run(ctx)
	}()

	select {
	case <-sink.notify:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for events")
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if metrics.pollErrors.Load() != 1 {
		t.Fatalf("expected one poll error, got %d", metrics.pollErrors.Load())
	}
}

func TestTailerRunStopsOnPanic(t *testing.T) {
	base := time.Now().UTC()
	src := &fakeTailSource{}
	src.add(eventAt("u1", base, 1))
	tailer := NewTailer(src, panicSink{}, tailerConfig(base.Add(-time.Second)))

	err := tailer.Run(context.Background())
	if !errors.Is(err, ErrTailerPanic) {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestTailerNotifierShortensWait(t *testing.T) {
	base := time.Now().UTC()
	src := &fakeTailSource{}
	sink := newCaptureSink()
	notifier := make(chanNotifier, 1)
	cfg := tailerConfig(base.Add(-time.Second))
	cfg.PollInterval = 2 * time.Second
	cfg.Notifier = notifier

	tailer := NewTailer(src, sink, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = tailer.Run(ctx)
	}()

	// Let the first empty scan complete before appending.
	time.Sleep(50 * time.Millisecond)
	src.add(eventAt("u1", base, 1))
	notifier <- struct{}{}

	select {
	case <-sink.notify:
	case <-time.After(time.Second):
		t.Fatalf("expected wake-up to trigger a scan before the poll interval")
	}
}

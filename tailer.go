package eventfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tailer is the single global scanner that turns newly committed outbox rows into an
// in-process stream. Each scan restarts from a floor Lookback behind the newest event it has
// seen, so rows committed late by slow producers are still found; a per-recipient high-water
// mark keeps re-scanned rows from being published twice.
type Tailer struct {
	source TailSource
	sink   Sink
	cfg    TailerConfig
	tracer trace.Tracer

	mu     sync.Mutex
	floor  ID
	newest ID
	seen   map[string]ID
}

// NewTailer constructs a Tailer that publishes to sink.
func NewTailer(source TailSource, sink Sink, cfg TailerConfig) *Tailer {
	if source == nil {
		panic("eventfeed: nil TailSource")
	}
	if sink == nil {
		panic("eventfeed: nil Sink")
	}

	cfg = cfg.withDefaults()
	floor := cfg.StartAfter
	if floor.IsZero() {
		floor = MinIDAt(cfg.Clock.Now().Add(-cfg.Lookback))
	}

	return &Tailer{
		source: source,
		sink:   sink,
		cfg:    cfg,
		tracer: otel.Tracer(instrumentationName),
		floor:  floor,
		seen:   make(map[string]ID),
	}
}

// Run scans until the context is canceled. Store failures are retried with backoff and
// never end the loop; a panic in the source or sink returns ErrTailerPanic.
func (t *Tailer) Run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			t.cfg.Logger.Error("eventfeed tailer panic", "panic", rec)
			err = fmt.Errorf("%w: %v", ErrTailerPanic, rec)
		}
	}()

	b := newBackoff(t.cfg.RetryInitial, t.cfg.RetryMax)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, pollErr := t.PollOnce(ctx); pollErr != nil {
			if canceled(ctx, pollErr) {
				return nil
			}
			t.cfg.Metrics.AddPollErrors(1)
			wait := b.NextBackOff()
			t.cfg.Logger.Warn("eventfeed tailer poll failed", "retry_in", wait, "err", pollErr)
			if sleep(ctx, wait) != nil {
				return nil
			}

			continue
		}
		b.Reset()

		if t.wait(ctx) != nil {
			return nil
		}
	}
}

// PollOnce scans from the current floor to the newest committed row and publishes every
// event not published before. It returns the number of events published.
func (t *Tailer) PollOnce(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	defer func() {
		t.cfg.Metrics.ObservePollDuration(time.Since(start))
	}()

	ctx, span := t.tracer.Start(ctx, "eventfeed.tail")
	defer span.End()

	after := t.floor
	published := 0
	for {
		events, err := t.source.TailAfter(ctx, after, t.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)

			return published, err
		}

		fresh := t.filter(events)
		if len(fresh) > 0 {
			t.sink.Publish(ctx, fresh)
			published += len(fresh)
		}
		if len(events) < t.cfg.BatchSize {
			break
		}
		after = events[len(events)-1].ID
	}

	t.advance()
	t.cfg.Metrics.AddEmitted(published)
	span.SetAttributes(attribute.Int("eventfeed.published", published))

	return published, nil
}

// Cursor returns the current scan floor.
func (t *Tailer) Cursor() ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.floor
}

func (t *Tailer) filter(events []Event) []Event {
	fresh := make([]Event, 0, len(events))
	for _, e := range events {
		if last, ok := t.seen[e.RecipientID]; ok && e.ID.Compare(last) <= 0 {
			continue
		}
		t.seen[e.RecipientID] = e.ID
		if e.ID.Compare(t.newest) > 0 {
			t.newest = e.ID
		}
		fresh = append(fresh, e)
	}

	return fresh
}

// advance moves the floor to Lookback behind the newest event and forgets high-water
// marks below it; rows at or below the floor are never scanned again.
func (t *Tailer) advance() {
	if t.newest.IsZero() {
		return
	}
	floor := MinIDAt(t.newest.Time().Add(-t.cfg.Lookback))
	if floor.Compare(t.floor) <= 0 {
		return
	}
	t.floor = floor
	for recipientID, id := range t.seen {
		if id.Compare(floor) <= 0 {
			delete(t.seen, recipientID)
		}
	}
}

func (t *Tailer) wait(ctx context.Context) error {
	timer := time.NewTimer(t.cfg.PollInterval)
	defer timer.Stop()

	var wake <-chan struct{}
	if t.cfg.Notifier != nil {
		wake = t.cfg.Notifier.Wake()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-wake:
	}

	return nil
}

package eventfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/velmie/eventfeed"

// Reader serves bounded, ordered replay pages and enforces the retention window.
type Reader struct {
	source ReplaySource
	cfg    ReaderConfig
	tracer trace.Tracer
}

// NewReader wraps a storage backend with replay policy.
func NewReader(source ReplaySource, cfg ReaderConfig) *Reader {
	if source == nil {
		panic("eventfeed: nil ReplaySource")
	}

	return &Reader{
		source: source,
		cfg:    cfg.withDefaults(),
		tracer: otel.Tracer(instrumentationName),
	}
}

// Horizon returns the oldest instant still inside the retention window,
// or the zero time when retention is disabled.
func (r *Reader) Horizon() time.Time {
	if r.cfg.Retention <= 0 {
		return time.Time{}
	}

	return r.cfg.Clock.Now().Add(-r.cfg.Retention)
}

// MaxLimit returns the largest page ReplaySince serves. Callers detecting the end of a
// stream by a short page must not ask for more.
func (r *Reader) MaxLimit() int {
	return r.cfg.MaxLimit
}

// Head returns the recipient's newest committed event id. ok is false when the source
// cannot report heads.
func (r *Reader) Head(ctx context.Context, recipientID string) (head ID, ok bool, err error) {
	hs, ok := r.source.(HeadSource)
	if !ok {
		return ID{}, false, nil
	}

	b := newBackoff(r.cfg.RetryInitial, r.cfg.RetryMax)
	for attempt := 1; ; attempt++ {
		head, err = hs.LastID(ctx, recipientID)
		if err == nil {
			return head, true, nil
		}
		if !errors.Is(err, ErrStoreUnavailable) || ctx.Err() != nil {
			return ID{}, true, err
		}
		if attempt >= r.cfg.Attempts {
			return ID{}, true, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		if err := sleep(ctx, b.NextBackOff()); err != nil {
			return ID{}, true, err
		}
	}
}

// ReplaySince returns the recipient's events with id > since in ascending order, at most
// limit of them. A zero since starts at the oldest retained event. A since outside the
// retention window yields *StaleMarkerError; a since newer than every event yields an
// empty page. Transient store failures are retried with backoff.
func (r *Reader) ReplaySince(ctx context.Context, recipientID string, since ID, limit int) ([]Event, error) {
	if err := ValidateRecipientID(recipientID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	if limit > r.cfg.MaxLimit {
		limit = r.cfg.MaxLimit
	}

	ctx, span := r.tracer.Start(ctx, "eventfeed.replay", trace.WithAttributes(
		attribute.String("eventfeed.recipient_id", recipientID),
		attribute.String("eventfeed.since", since.String()),
		attribute.Int("eventfeed.limit", limit),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveReplayDuration(time.Since(start))
	}()

	cursor, err := r.cursor(since)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	events, err := r.fetch(ctx, recipientID, cursor, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}
	span.SetAttributes(attribute.Int("eventfeed.events", len(events)))

	return events, nil
}

func (r *Reader) cursor(since ID) (ID, error) {
	horizon := r.Horizon()
	if horizon.IsZero() {
		return since, nil
	}
	if since.IsZero() {
		return MinIDAt(horizon), nil
	}
	if since.Time().Before(horizon.Truncate(time.Millisecond)) {
		return ID{}, &StaleMarkerError{Marker: since, Horizon: horizon}
	}

	return since, nil
}

func (r *Reader) fetch(ctx context.Context, recipientID string, cursor ID, limit int) ([]Event, error) {
	b := newBackoff(r.cfg.RetryInitial, r.cfg.RetryMax)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		events, err := r.source.ReplaySince(ctx, recipientID, cursor, limit)
		if err == nil {
			return events, nil
		}
		if !errors.Is(err, ErrStoreUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt == r.cfg.Attempts {
			break
		}

		wait := b.NextBackOff()
		r.cfg.Logger.Warn("eventfeed replay failed, retrying",
			"recipient_id", recipientID, "attempt", attempt, "retry_in", wait, "err", err)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

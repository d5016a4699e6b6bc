package eventfeed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// connection is the per-client task state. Offer runs on the tailer goroutine; every other
// method runs on the goroutine inside Dispatcher.Serve.
type connection struct {
	d           *Dispatcher
	recipientID string
	transport   Transport
	handle      Handle

	buf      chan Event
	wake     chan struct{}
	degraded atomic.Bool
	state    atomic.Int32

	lastSent ID
	markedID ID
	markedAt time.Time
}

func newConnection(d *Dispatcher, recipientID string, since ID, t Transport) *connection {
	return &connection{
		d:           d,
		recipientID: recipientID,
		transport:   t,
		buf:         make(chan Event, d.cfg.BufferSize),
		wake:        make(chan struct{}, 1),
		lastSent:    since,
		markedID:    since,
	}
}

// Offer implements Subscriber. A full buffer flips the connection to degraded; from then on
// events are dropped until the serving goroutine resyncs through replay.
func (c *connection) Offer(e Event) {
	if c.degraded.Load() {
		c.d.cfg.Metrics.AddDropped(1)

		return
	}

	select {
	case c.buf <- e:
		return
	default:
	}

	c.d.cfg.Metrics.AddDropped(1)
	if c.degraded.CompareAndSwap(false, true) {
		c.d.cfg.Metrics.AddDegraded(1)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *connection) serve(ctx context.Context) error {
	if err := c.checkMarker(ctx); err != nil {
		return c.fail(ctx, err)
	}
	if err := c.backfill(ctx, c.d.cfg.PageSize); err != nil {
		return c.fail(ctx, err)
	}

	c.setState(StateLive)
	reconcile := time.NewTicker(c.d.cfg.ReconcileInterval)
	defer reconcile.Stop()
	for {
		if c.degraded.Load() {
			if err := c.resync(ctx); err != nil {
				return c.fail(ctx, err)
			}
			c.setState(StateLive)

			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-reconcile.C:
			if err := c.reconcile(ctx); err != nil {
				return c.fail(ctx, err)
			}
		case e := <-c.buf:
			if err := c.deliver(ctx, e); err != nil {
				return c.fail(ctx, err)
			}
		}
	}
}

// checkMarker keeps a client marker from hiding live events. A marker past the recipient's
// newest event names nothing the client could have received, so delivery resumes from the
// real head instead of dropping every event up to the marker's time. Stale markers are left
// for backfill to reject.
func (c *connection) checkMarker(ctx context.Context) error {
	if c.lastSent.IsZero() {
		return nil
	}
	if h := c.d.reader.Horizon(); !h.IsZero() && c.lastSent.Time().Before(h) {
		return nil
	}

	head, ok, err := c.d.reader.Head(ctx, c.recipientID)
	if err != nil {
		return err
	}
	switch {
	case ok && c.lastSent.Compare(head) > 0:
		c.resetMarker(head)
	case !ok && c.lastSent.Time().After(c.d.cfg.Clock.Now().Add(c.d.cfg.MarkerSkew)):
		// Without a head the only safe cursor is the start of retained history.
		c.resetMarker(ID{})
	}

	return nil
}

func (c *connection) resetMarker(to ID) {
	c.d.cfg.Metrics.AddMarkersAhead(1)
	c.d.cfg.Logger.Info("eventfeed marker ahead of recipient head",
		"recipient_id", c.recipientID, "connection_id", c.handle.ID(), "marker", c.lastSent.String(), "resume_after", to.String())
	c.lastSent = to
	c.markedID = to
}

// backfill streams replay pages after lastSent until a short page.
func (c *connection) backfill(ctx context.Context, pageSize int) error {
	c.setState(StateBackfilling)
	_, err := c.replayAfter(ctx, pageSize, ID{})

	return err
}

// replayAfter sends replay pages after lastSent until a short page or, when before is not
// zero, until the first event at or after before. It returns the number of events sent.
func (c *connection) replayAfter(ctx context.Context, pageSize int, before ID) (int, error) {
	sent := 0
	for {
		events, err := c.replayPage(ctx, pageSize)
		if err != nil {
			return sent, err
		}
		for _, e := range events {
			if !before.IsZero() && e.ID.Compare(before) >= 0 {
				return sent, nil
			}
			if err := c.send(ctx, e); err != nil {
				return sent, err
			}
			sent++
		}
		if len(events) < pageSize {
			return sent, nil
		}
	}
}

// deliver sends a live event. An event whose predecessor is newer than the last sent ID
// follows rows the tailer never published; replay sends those and the event itself.
func (c *connection) deliver(ctx context.Context, e Event) error {
	if e.ID.Compare(c.lastSent) <= 0 {
		return nil
	}
	if e.PrevID.Compare(c.lastSent) <= 0 {
		return c.send(ctx, e)
	}

	c.d.cfg.Logger.Warn("eventfeed live gap detected, replaying",
		"recipient_id", c.recipientID, "connection_id", c.handle.ID(),
		"last_sent", c.lastSent.String(), "prev_id", e.PrevID.String(), "id", e.ID.String())
	n, err := c.replayAfter(ctx, c.d.cfg.PageSize, ID{})
	if n > 1 {
		c.d.cfg.Metrics.AddReconciled(n - 1)
	}

	return err
}

// reconcile replays after the last sent ID to recover rows that will never reach the live
// stream. Rows younger than ReconcileSettle are left to the tailer.
func (c *connection) reconcile(ctx context.Context) error {
	if h := c.d.reader.Horizon(); !h.IsZero() && !c.lastSent.IsZero() && c.lastSent.Time().Before(h) {
		// Everything up to lastSent has expired; replay from the horizon rather than
		// turning an idle connection into a stale marker.
		c.lastSent = ID{}
	}

	before := MinIDAt(c.d.cfg.Clock.Now().Add(-c.d.cfg.ReconcileSettle))
	n, err := c.replayAfter(ctx, c.d.cfg.PageSize, before)
	if n > 0 {
		c.d.cfg.Metrics.AddReconciled(n)
		c.d.cfg.Logger.Warn("eventfeed reconcile recovered unpublished events",
			"recipient_id", c.recipientID, "connection_id", c.handle.ID(), "events", n)
	}

	return err
}

func (c *connection) replayPage(ctx context.Context, pageSize int) ([]Event, error) {
	b := newBackoff(c.d.cfg.RetryInitial, c.d.cfg.RetryMax)
	for attempt := 1; ; attempt++ {
		events, err := c.d.reader.ReplaySince(ctx, c.recipientID, c.lastSent, pageSize)
		if err == nil {
			return events, nil
		}
		if !errors.Is(err, ErrStoreUnavailable) || attempt >= c.d.cfg.BackfillAttempts || ctx.Err() != nil {
			return nil, err
		}

		wait := b.NextBackOff()
		c.d.cfg.Logger.Warn("eventfeed backfill failed, retrying",
			"recipient_id", c.recipientID, "connection_id", c.handle.ID(), "attempt", attempt, "retry_in", wait, "err", err)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// resync handles a buffer overflow: signal behind, discard the buffer, re-arm fan-out and
// catch up through replay from the last sent ID. Events dropped in between are already
// committed, so the replay covers them.
func (c *connection) resync(ctx context.Context) error {
	c.setState(StateDegraded)
	c.d.cfg.Metrics.AddResyncs(1)
	if err := c.transport.Send(ctx, SignalMessage(SignalBehind)); err != nil {
		return fmt.Errorf("eventfeed send behind signal: %w", err)
	}

	c.discard()
	c.degraded.Store(false)

	if err := c.d.limiter.Wait(ctx); err != nil {
		return err
	}

	return c.backfill(ctx, c.d.cfg.ResyncPageSize)
}

func (c *connection) discard() {
	for {
		select {
		case <-c.buf:
		case <-c.wake:
		default:
			return
		}
	}
}

// send writes e unless it is at or below the last sent ID, which happens when live events
// overlap a replay page.
func (c *connection) send(ctx context.Context, e Event) error {
	if e.ID.Compare(c.lastSent) <= 0 {
		return nil
	}
	if err := c.transport.Send(ctx, EventMessage(e)); err != nil {
		return fmt.Errorf("eventfeed send event %s: %w", e.ID, err)
	}
	c.lastSent = e.ID
	c.d.cfg.Metrics.AddDelivered(1)
	c.maybeMark(ctx)

	return nil
}

func (c *connection) fail(ctx context.Context, err error) error {
	if !errors.Is(err, ErrStaleMarker) {
		return err
	}

	c.d.cfg.Metrics.AddStaleMarkers(1)
	if sendErr := c.transport.Send(ctx, SignalMessage(SignalResyncRequired)); sendErr != nil {
		return errors.Join(err, fmt.Errorf("eventfeed send resync signal: %w", sendErr))
	}

	return err
}

func (c *connection) maybeMark(ctx context.Context) {
	if c.d.cfg.DeliveryMarker == nil {
		return
	}
	now := c.d.cfg.Clock.Now()
	if !c.markedAt.IsZero() && now.Before(c.markedAt.Add(c.d.cfg.MarkInterval)) {
		return
	}
	c.markedAt = now
	c.mark(ctx)
}

// flushMark records the final position after disconnect, detached from the request context.
func (c *connection) flushMark(ctx context.Context) {
	if c.d.cfg.DeliveryMarker == nil || c.lastSent.Compare(c.markedID) <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultMarkTimeout)
	defer cancel()
	c.mark(ctx)
}

func (c *connection) mark(ctx context.Context) {
	if err := c.d.cfg.DeliveryMarker.MarkDelivered(ctx, c.recipientID, c.lastSent); err != nil {
		c.d.cfg.Logger.Warn("eventfeed delivery mark failed", "recipient_id", c.recipientID, "err", err)

		return
	}
	c.markedID = c.lastSent
}

func (c *connection) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if c.d.cfg.OnStateChange != nil {
		c.d.cfg.OnStateChange(c.recipientID, s)
	}
}

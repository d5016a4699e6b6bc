package eventfeed

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Dispatcher fans tailer output out to registered connections and runs each connection
// through backfill, live delivery and degraded resync.
type Dispatcher struct {
	reader   *Reader
	registry *Registry
	cfg      DispatcherConfig
	limiter  *rate.Limiter
	active   atomic.Int64
}

var _ Sink = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(reader *Reader, registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if reader == nil {
		panic("eventfeed: nil Reader")
	}
	if registry == nil {
		panic("eventfeed: nil Registry")
	}

	cfg = cfg.withDefaults()
	// Backfill ends at the first short page, so a page larger than the reader serves would
	// end it early.
	cfg.PageSize = min(cfg.PageSize, reader.MaxLimit())
	cfg.ResyncPageSize = min(cfg.ResyncPageSize, reader.MaxLimit())

	return &Dispatcher{
		reader:   reader,
		registry: registry,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.ResyncRate, cfg.ResyncBurst),
	}
}

// Publish offers every event to the recipient's live connections without blocking.
func (d *Dispatcher) Publish(_ context.Context, events []Event) {
	for _, e := range events {
		for _, sub := range d.registry.ConnectionsFor(e.RecipientID) {
			sub.Offer(e)
		}
	}
}

// Active returns the number of connections currently served.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Serve delivers the recipient's events to t until ctx is canceled or the transport fails.
// It backfills from since (zero for the oldest retained event), then streams live events.
// A stale marker sends a resync instruction and returns an error matching ErrStaleMarker.
// A canceled ctx is a normal disconnect and returns nil.
func (d *Dispatcher) Serve(ctx context.Context, recipientID string, since ID, t Transport) error {
	if err := ValidateRecipientID(recipientID); err != nil {
		return err
	}
	if t == nil {
		panic("eventfeed: nil Transport")
	}

	c := newConnection(d, recipientID, since, t)
	c.setState(StateConnecting)
	c.handle = d.registry.Register(recipientID, c)
	d.cfg.Metrics.SetConnections(int(d.active.Add(1)))
	d.cfg.Logger.Debug("eventfeed connection opened",
		"recipient_id", recipientID, "connection_id", c.handle.ID(), "since", since.String())

	err := c.serve(ctx)

	c.setState(StateDraining)
	d.registry.Unregister(c.handle)
	d.cfg.Metrics.SetConnections(int(d.active.Add(-1)))
	c.flushMark(ctx)
	c.setState(StateClosed)

	switch {
	case err == nil, canceled(ctx, err):
		d.cfg.Logger.Debug("eventfeed connection closed",
			"recipient_id", recipientID, "connection_id", c.handle.ID(), "last_sent", c.lastSent.String())

		return nil
	case errors.Is(err, ErrStaleMarker):
		d.cfg.Logger.Info("eventfeed connection requires resync",
			"recipient_id", recipientID, "connection_id", c.handle.ID(), "err", err)
	default:
		d.cfg.Logger.Warn("eventfeed connection failed",
			"recipient_id", recipientID, "connection_id", c.handle.ID(), "err", err)
	}

	return err
}

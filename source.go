package eventfeed

import "context"

// ReplaySource reads a recipient's committed events with id > since in ascending order,
// returning at most limit rows. Storage backends implement it; Reader layers policy on top.
type ReplaySource interface {
	ReplaySince(ctx context.Context, recipientID string, since ID, limit int) ([]Event, error)
}

// HeadSource reports a recipient's newest committed event id, or the zero ID when the
// recipient has none. Backends that implement it next to ReplaySource let the Dispatcher
// check client markers exactly; otherwise markers are checked against the clock.
type HeadSource interface {
	LastID(ctx context.Context, recipientID string) (ID, error)
}

// TailSource reads committed events of all recipients with id > after in ascending order.
type TailSource interface {
	TailAfter(ctx context.Context, after ID, limit int) ([]Event, error)
}

// Notifier delivers best-effort wake-up hints when new events may have been committed.
// Hints can be lost; the Tailer keeps polling regardless.
type Notifier interface {
	Wake() <-chan struct{}
}

// Sink receives events discovered by the Tailer, ordered by ID within each recipient.
type Sink interface {
	Publish(ctx context.Context, events []Event)
}

// DeliveryMarker records advisory delivered markers. Nothing reads them for correctness.
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, recipientID string, upTo ID) error
}

// Transport writes messages to one client connection.
// Send is called from a single goroutine per connection.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

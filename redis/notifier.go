package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/eventfeed"
)

const (
	defaultChannel          = "eventfeed:wake"
	defaultReconnectInitial = 100 * time.Millisecond
	defaultReconnectMax     = 10 * time.Second
)

// NotifierConfig controls the pub/sub channel and reconnect backoff.
type NotifierConfig struct {
	// Channel defaults to eventfeed:wake.
	Channel      string
	RetryInitial time.Duration
	RetryMax     time.Duration
	Logger       eventfeed.Logger
}

// Notifier implements eventfeed.Notifier on Redis pub/sub. Producers call Publish after
// their transaction commits; Run subscribes and coalesces messages into one pending wake-up.
type Notifier struct {
	client goredis.UniversalClient
	cfg    NotifierConfig
	wake   chan struct{}
}

var _ eventfeed.Notifier = (*Notifier)(nil)

// NewNotifier validates cfg and returns an idle notifier.
func NewNotifier(client goredis.UniversalClient, cfg NotifierConfig) (*Notifier, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaultReconnectInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultReconnectMax
	}
	if cfg.Logger == nil {
		cfg.Logger = eventfeed.NopLogger{}
	}

	return &Notifier{client: client, cfg: cfg, wake: make(chan struct{}, 1)}, nil
}

// Channel returns the pub/sub channel name.
func (n *Notifier) Channel() string {
	return n.cfg.Channel
}

// Publish announces that recipientID has newly committed events. Call it only after commit;
// a hint for a rolled back transaction costs one empty scan.
func (n *Notifier) Publish(ctx context.Context, recipientID string) error {
	if err := n.client.Publish(ctx, n.cfg.Channel, recipientID).Err(); err != nil {
		return fmt.Errorf("eventfeed redis: publish failed: %w", err)
	}

	return nil
}

// Wake implements eventfeed.Notifier.
func (n *Notifier) Wake() <-chan struct{} {
	return n.wake
}

// Run subscribes until ctx is canceled and returns nil on cancellation. Receive errors are
// logged and retried with backoff; each one also produces a wake-up since messages may
// have been lost.
func (n *Notifier) Run(ctx context.Context) error {
	sub := n.client.Subscribe(ctx, n.cfg.Channel)
	defer func() {
		_ = sub.Close()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.RetryInitial
	b.MaxInterval = n.cfg.RetryMax
	b.Reset()

	for {
		msg, err := sub.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			wait := b.NextBackOff()
			n.cfg.Logger.Warn("eventfeed redis subscription failed", "channel", n.cfg.Channel, "retry_in", wait, "err", err)
			n.signal()
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		switch msg.(type) {
		case *goredis.Subscription:
			b.Reset()
			n.cfg.Logger.Debug("eventfeed redis subscribed", "channel", n.cfg.Channel)
			n.signal()
		case *goredis.Message:
			n.signal()
		}
	}
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"

	"github.com/velmie/eventfeed"
)

const (
	defaultReconnectInitial = 100 * time.Millisecond
	defaultReconnectMax     = 10 * time.Second
)

// ListenerConfig controls the LISTEN connection.
type ListenerConfig struct {
	// DSN opens the dedicated connection. LISTEN cannot share pooled connections.
	DSN string
	// Channel must match the store's NOTIFY channel.
	Channel      string
	RetryInitial time.Duration
	RetryMax     time.Duration
	Logger       eventfeed.Logger
}

// Listener implements eventfeed.Notifier on LISTEN/NOTIFY. Notifications are coalesced into
// a single pending wake-up, and missed ones only delay the tailer until its next poll.
type Listener struct {
	cfg  ListenerConfig
	wake chan struct{}
}

var _ eventfeed.Notifier = (*Listener)(nil)

// NewListener validates cfg and returns an idle listener; call Run to start listening.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultTable
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

	return &Listener{cfg: cfg, wake: make(chan struct{}, 1)}, nil
}

// Wake implements eventfeed.Notifier.
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}

// Run listens until ctx is canceled, reconnecting with exponential backoff.
// It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInitial
	b.MaxInterval = l.cfg.RetryMax
	b.Reset()

	for {
		err := l.listen(ctx, b)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		l.cfg.Logger.Warn("eventfeed postgres listener disconnected", "channel", l.cfg.Channel, "retry_in", wait, "err", err)
		// A reconnect may have missed notifications; let the tailer poll right away.
		l.signal()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) listen(ctx context.Context, b *backoff.ExponentialBackOff) error {
	conn, err := pgx.Connect(ctx, l.cfg.DSN)
	if err != nil {
		return fmt.Errorf("eventfeed postgres: listener connect failed: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.cfg.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("eventfeed postgres: listen failed: %w", err)
	}
	b.Reset()
	l.cfg.Logger.Debug("eventfeed postgres listener started", "channel", l.cfg.Channel)

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			return fmt.Errorf("eventfeed postgres: wait for notification failed: %w", err)
		}
		l.signal()
	}
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

package eventfeed

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

func newBackoff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Reset()

	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// canceled reports whether err only reflects the caller hanging up.
func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil)
}

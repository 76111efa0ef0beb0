package util

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often and how fast a failing call is retried.
// Jitter is the randomization factor applied to every delay (0.5 spreads a
// 10s delay over 5s..15s) so concurrent callers do not retry in lockstep.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64
}

// DefaultRetryPolicy mirrors the exchange's rate-limit guidance: a few
// attempts, long exponential waits, randomized.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  4,
	InitialDelay: 15 * time.Second,
	MaxDelay:     15 * time.Minute,
	Jitter:       0.5,
}

// Retry calls fn up to policy.MaxAttempts times with exponential backoff and
// jitter. It returns nil on the first successful call, or the last error if
// all attempts fail. Errors wrapped with Permanent are returned immediately.
// The function respects context cancellation between retries.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialDelay
	eb.MaxInterval = policy.MaxDelay
	eb.RandomizationFactor = policy.Jitter
	eb.MaxElapsedTime = 0

	retries := policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	notify := func(err error, next time.Duration) {
		slog.Debug("retrying after error", "err", err, "next", next.Round(time.Millisecond))
	}
	return backoff.RetryNotify(fn, bo, notify)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

package ledger

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultRetryElapsed = 30 * time.Second

// DefaultBackOff is the schedule for retrying transient ledger errors when
// the caller supplies none.
func DefaultBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(defaultRetryElapsed),
	)
}

// Package retry holds the backoff and wait helpers shared by the agent's
// retry loops.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const uncapped = time.Duration(1 << 62)

// Exponential returns a deterministic doubling schedule starting at base and
// capped at max (uncapped when max is zero). It never gives up on its own;
// callers bound the number of attempts.
func Exponential(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	if max <= 0 {
		b.MaxInterval = uncapped
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Wait blocks for d on clock or until ctx is done.
func Wait(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

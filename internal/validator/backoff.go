package validator

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backoff is the retry schedule for transient validation failures.
type Backoff struct {
	Base     time.Duration
	Cap      time.Duration
	Attempts int
}

// DefaultBackoff retries up to three times, doubling from 2s and never waiting
// more than a minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:     2 * time.Second,
		Cap:      60 * time.Second,
		Attempts: 3,
	}
}

// Delay returns min(Base * 2^attempt, Cap). Negative attempts count as zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	limit := b.Cap
	if limit <= 0 {
		limit = 60 * time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(limit) || math.IsInf(delay, 0) {
		return limit
	}
	return time.Duration(delay)
}

func (b Backoff) attempts() int {
	if b.Attempts <= 0 {
		return 1
	}
	return b.Attempts
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func clockSleep(clock clockwork.Clock) sleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		select {
		case <-clock.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponentially growing retry delays with jitter. The zero
// value is not usable; create instances with [NewBackoff]. Backoff is not
// safe for concurrent use; each retry loop owns its own instance.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff creates a backoff starting at base and capping at max.
// Non-positive arguments default to 500ms and 30s.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay before the next attempt: base doubled per attempt,
// capped at max, with ±25% jitter so reconnecting clients do not stampede.
func (b *Backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	return d*3/4 + jitter
}

// Reset restarts the progression after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait sleeps for the next delay, returning early with ctx.Err() when the
// context is cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package fn

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes capped exponential delays between reconnect attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts bounds consecutive failed attempts; 0 means unbounded.
	MaxAttempts int
	Jitter      bool
}

// DefaultBackoff provides sensible reconnect defaults.
var DefaultBackoff = Backoff{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
	Jitter:  true,
}

// Delay returns the wait before retry number attempt (0-based). The result
// never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	initial, max := b.Initial, b.Max
	if initial <= 0 {
		initial = DefaultBackoff.Initial
	}
	if max <= 0 {
		max = DefaultBackoff.Max
	}
	wait := initial
	for i := 0; i < attempt && wait < max; i++ {
		wait *= 2
	}
	if b.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	if wait > max {
		wait = max
	}
	return wait
}

// Exhausted reports whether attempt failures used up the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

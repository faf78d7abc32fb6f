package resilience

import (
	"context"
	"time"
)

// Default backoff parameters.
const (
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Backoff computes exponentially growing retry delays. The zero value uses
// the defaults.
type Backoff struct {
	// Initial is the delay before the second attempt. Default: 500ms.
	Initial time.Duration

	// Max caps the delay. Default: 30s.
	Max time.Duration
}

// Delay returns the wait before attempt n (0-based). Attempt 0 has no delay.
func (b Backoff) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	initial, maxDelay := b.Initial, b.Max
	if initial <= 0 {
		initial = defaultBackoff
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() when
// cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

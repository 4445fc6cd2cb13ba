// ABOUTME: Exponential backoff with a cap, shared by reconnect and retry loops
// ABOUTME: Sleep respects context cancellation so shutdown is never blocked by a wait

package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff describes an exponential retry schedule.
type Backoff struct {
	Initial time.Duration // delay before the second attempt
	Max     time.Duration // cap on any single delay; zero means no cap
	Jitter  bool          // spread each delay over [d/2, d)
}

// Delay returns the wait before attempt n (1-based). Attempt 1 has no wait.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 2; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(half)))
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Do calls fn up to attempts times, waiting between failures. It stops early
// when fn succeeds, when stop(err) reports the error as permanent, or when ctx
// is done. The last error is returned.
func Do(ctx context.Context, b Backoff, attempts int, stop func(error) bool, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := Sleep(ctx, b.Delay(i)); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if stop != nil && stop(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

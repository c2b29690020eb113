package scheduler

import (
	"context"
	"time"

	"rawgetl/internal/rawg"
)

// RetryPolicy controls whole-run retries of retryable failures.
type RetryPolicy struct {
	// MaxAttempts counts the first run. Values below 1 mean 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries a failed run twice.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 2 * time.Minute}

// nextRetryDelay returns the wait before attempt+1.
// An upstream Retry-After wins; otherwise base * 2^(attempt-1), clamped.
func (p RetryPolicy) nextRetryDelay(err error, attempt int) time.Duration {
	if ra := rawg.RetryAfter(err); ra > 0 {
		if p.MaxDelay > 0 && ra > p.MaxDelay {
			return p.MaxDelay
		}
		return ra
	}
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << uint(min(attempt-1, 30))
	if d < 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package network

import (
	"context"
	"log"
	"math"
	"time"

	"shiori/apperr"
)

// RetryPolicy bounds how often a transient failure is retried.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt, doubled afterwards
}

// DefaultRetryPolicy retries a page three times with 2s, 4s, 8s waits.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

// Delay returns the wait before attempt n (n >= 1 is the first retry).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return time.Duration(math.Pow(2, float64(n-1))) * p.BaseDelay
}

// Retry runs fn until it succeeds, returns a non-transient error, the attempts
// run out, or ctx is cancelled. The last error is returned unchanged.
func Retry(ctx context.Context, policy RetryPolicy, label string, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := policy.Delay(attempt)
			log.Printf("[Retry] %s: waiting %v before attempt %d/%d", label, backoff, attempt+1, attempts)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !apperr.IsTransient(lastErr) {
			return lastErr
		}
		log.Printf("[Retry] %s: attempt %d/%d failed: %v", label, attempt+1, attempts, lastErr)
	}

	return lastErr
}

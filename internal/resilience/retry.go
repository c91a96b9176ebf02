package resilience

import (
	"context"
	"time"
)

// Retry runs fn up to attempts times, sleeping with exponential backoff
// between tries. Only errors for which retryable returns true are retried;
// anything else is returned immediately. The context cancels the wait, not
// a call already in flight.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

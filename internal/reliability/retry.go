package reliability

import (
	"context"
	"time"
)

// Retry calls fn up to attempts times. Between tries it waits
// ExponentialBackoff(try, base, cap) as long as retryable reports true for
// the last error. The wait is cut short by ctx.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for try := 0; try < attempts; try++ {
		if try > 0 {
			if !sleep(ctx, ExponentialBackoff(try-1, base, cap)) {
				return err
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// RetryOnce is Retry with a single extra attempt.
func RetryOnce(ctx context.Context, base, cap time.Duration, retryable func(error) bool, fn func(context.Context) error) error {
	return Retry(ctx, 2, base, cap, retryable, fn)
}

func sleep(ctx context.Context, d time.Duration) bool {
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

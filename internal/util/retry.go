package util

import (
	"context"
	"math/rand"
	"time"
)

// maxRetryWait caps a single sleep so a generous attempt budget cannot
// stretch one wait into minutes.
const maxRetryWait = 30 * time.Second

// Retry runs fn up to max+1 times. Waits between attempts double from
// backoff, carry up to 10% random jitter, and never exceed maxRetryWait.
// The last error is returned when the budget runs out.
func Retry(ctx context.Context, max int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt <= max; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == max {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryWait(backoff, attempt)):
		}
	}
	return err
}

func retryWait(base time.Duration, attempt int) time.Duration {
	wait := base
	for i := 0; i < attempt && wait < maxRetryWait; i++ {
		wait *= 2
	}
	if wait > maxRetryWait {
		wait = maxRetryWait
	}
	if wait > 0 {
		wait += time.Duration(rand.Int63n(int64(wait)/10 + 1))
	}
	return wait
}

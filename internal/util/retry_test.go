package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryExhaustsBudget(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the last error", err)
	}
	if calls != 3 {
		t.Fatalf("fn ran %d times, want max+1", calls)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn ran %d times, want 2", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, 5, time.Millisecond, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Fatal("fn ran after cancellation")
	}
}

func TestRetryWaitGrowsAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	first := retryWait(base, 0)
	if first < base || first > base+base/10 {
		t.Fatalf("attempt 0 wait %s, want base plus at most 10%% jitter", first)
	}
	second := retryWait(base, 1)
	if second < 2*base {
		t.Fatalf("attempt 1 wait %s, want at least doubled", second)
	}
	// A huge attempt count must not overflow or exceed the cap.
	late := retryWait(base, 60)
	if late < maxRetryWait || late > maxRetryWait+maxRetryWait/10 {
		t.Fatalf("late wait %s, want capped near %s", late, maxRetryWait)
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), Policy{Attempts: 3, Initial: 10 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("blip")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("expected backoff between attempts")
	}
}

func TestDo_FailsWhenExhausted(t *testing.T) {
	calls := 0
	boom := errors.New("down")
	err := Do(context.Background(), Policy{Attempts: 2, Initial: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("expected %v after 2 calls, got %v after %d", boom, err, calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	notFound := errors.New("not found")
	err := Do(context.Background(), Policy{Attempts: 5, Initial: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Permanent(notFound)
	})
	if err != notFound || calls != 1 {
		t.Fatalf("expected bare permanent error after one call, got %v after %d", err, calls)
	}
}

func TestDo_CallTimeout(t *testing.T) {
	err := Do(context.Background(), Policy{Attempts: 1, CallTimeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Initial: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("blip")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("expected cancellation after first call, got %v after %d", err, calls)
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Num: 3, Initial: time.Millisecond}, func(ctx context.Context, attempt int) error {
		if attempt != calls {
			t.Fatalf("attempt %d reported as %d", calls, attempt)
		}
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsAfterNum(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Num: 2, Initial: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected flaky error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected first attempt plus 2 retries, got %d", calls)
	}
}

func TestDoHonoursOnAndPermanent(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Policy{Num: 5, Initial: time.Millisecond, On: func(err error) bool { return errors.Is(err, errFlaky) }},
		func(ctx context.Context, attempt int) error {
			calls++
			return fatal
		})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected single fatal attempt, got %v after %d", err, calls)
	}

	calls = 0
	err = Do(context.Background(), Policy{Num: 5, Initial: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(errFlaky)
	})
	if !errors.Is(err, errFlaky) || calls != 1 {
		t.Fatalf("expected permanent stop, got %v after %d", err, calls)
	}
}

func TestDoNotifiesBeforeSleep(t *testing.T) {
	var seen []int
	_ = Do(context.Background(), Policy{
		Num:     2,
		Initial: time.Millisecond,
		Notify:  func(attempt int, err error, wait time.Duration) { seen = append(seen, attempt) },
	}, func(ctx context.Context, attempt int) error { return errFlaky })
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("unexpected notifications %v", seen)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Num: 10, Initial: 10 * time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errFlaky
	})
	if err == nil {
		t.Fatalf("expected error after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected no retry after cancel, got %d calls", calls)
	}
}

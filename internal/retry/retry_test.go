package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDo_ReturnsLastError(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(4), func(context.Context) error {
		calls++
		return errors.New("still starting")
	})
	if err == nil || err.Error() != "still starting" || calls != 4 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	bad := errors.New("bad credentials")
	var calls int
	err := Do(context.Background(), fast(5), func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	if !errors.Is(err, bad) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		t.Fatal("the permanent wrapper should be removed")
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 10, BaseDelay: time.Hour}

	var calls int
	err := Do(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestBackoff_CappedWithJitter(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	for attempt, want := range []time.Duration{100, 200, 400, 400, 400} {
		want *= time.Millisecond
		for i := 0; i < 20; i++ {
			got := p.backoff(attempt)
			if got < want*3/4 || got > want*5/4 {
				t.Fatalf("backoff(%d) = %v, want within 25%% of %v", attempt, got, want)
			}
		}
	}
	if d := p.backoff(80); d > 500*time.Millisecond {
		t.Fatalf("shift overflow should clamp to MaxDelay, got %v", d)
	}
}

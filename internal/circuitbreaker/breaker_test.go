package circuitbreaker

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, open).WithClock(clk.now), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("0xdest")
	b.RecordFailure("0xdest")
	if !b.Allow("0xdest") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("0xdest")
	if b.Allow("0xdest") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("0xdest") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("0xdest"))
	}
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("burn")

	clk.advance(999 * time.Millisecond)
	if b.Allow("burn") {
		t.Fatal("should stay open until the duration has passed")
	}

	clk.advance(time.Millisecond)
	if !b.Allow("burn") {
		t.Fatal("should allow one trial request")
	}
	if b.Allow("burn") {
		t.Fatal("should reject a second request while probing")
	}

	b.RecordSuccess("burn")
	if b.State("burn") != StateClosed || !b.Allow("burn") {
		t.Fatal("successful trial request should close the circuit")
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	b.RecordFailure("k")
	b.RecordFailure("k")
	clk.advance(time.Second)
	b.Allow("k")

	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Fatalf("expected StateOpen after failed trial request, got %v", b.State("k"))
	}
	if b.Allow("k") {
		t.Fatal("re-opened circuit should reject")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	if b.State("k") != StateClosed {
		t.Fatal("failures should not accumulate across a success")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	b.RecordFailure("a")
	if b.Allow("a") {
		t.Fatal("a should be open")
	}
	if !b.Allow("b") {
		t.Fatal("b should be unaffected")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	got := make(chan [2]State, 1)
	b.OnTransition(func(_ string, from, to State) { got <- [2]State{from, to} })

	b.RecordFailure("k")
	select {
	case tr := <-got:
		if tr != [2]State{StateClosed, StateOpen} {
			t.Fatalf("unexpected transition %v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(9):      "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

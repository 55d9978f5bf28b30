package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests step past the cooldown without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, cooldown)
	b.now = clk.Now
	return b, clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow(1) {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure(137)
	b.RecordFailure(137)
	if !b.Allow(137) {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure(137)
	if b.Allow(137) {
		t.Fatal("should be open after 3 failures")
	}
	if b.State(137) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(137))
	}
	if !b.Allow(1) {
		t.Fatal("other chains must be unaffected")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure(1)
	b.RecordFailure(1)
	clk.Advance(time.Minute)

	if !b.Allow(1) {
		t.Fatal("should allow probe in half-open")
	}
	if b.State(1) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(1))
	}
	if b.Allow(1) {
		t.Fatal("should reject second request in half-open")
	}

	b.RecordSuccess(1)
	if b.State(1) != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State(1))
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure(1)
	b.RecordFailure(1)
	clk.Advance(time.Minute)
	b.Allow(1)

	b.RecordFailure(1)
	if b.State(1) != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State(1))
	}
}

func TestBreaker_ReleaseReturnsProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.RecordFailure(10)
	clk.Advance(time.Minute)
	if !b.Allow(10) {
		t.Fatal("expected probe")
	}
	b.Release(10)
	if !b.Allow(10) {
		t.Fatal("released probe should be available again")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	got := make(chan State, 1)
	b.OnTransition(func(_ int64, _, to State) { got <- to })

	b.RecordFailure(8453)

	select {
	case s := <-got:
		if s != StateOpen {
			t.Fatalf("expected open, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d: got %q want %q", s, s.String(), want)
		}
	}
}

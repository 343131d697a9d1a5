package providercache

import (
	"testing"
	"time"
)

func TestBreaker_StartsClosedAndAllows(t *testing.T) {
	b := NewBreaker(3, 5*time.Second)
	if b.State() != BreakerClosed {
		t.Errorf("expected BreakerClosed, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("expected Allow=true for closed breaker")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 5*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Error("expected BreakerClosed after 2 failures")
	}

	b.RecordFailure() // 3rd failure = threshold
	if b.State() != BreakerOpen {
		t.Errorf("expected BreakerOpen after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected Allow=false for open breaker")
	}
}

func TestBreaker_HalfOpenAfterProbeInterval(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("expected BreakerOpen")
	}

	time.Sleep(15 * time.Millisecond)

	if b.State() != BreakerHalfOpen {
		t.Errorf("expected BreakerHalfOpen after probe interval, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("expected Allow=true for half-open breaker (probe)")
	}
}

func TestBreaker_HalfOpen_SuccessCloses(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	b.Allow() // trigger state check
	b.RecordSuccess()

	if b.State() != BreakerClosed {
		t.Errorf("expected BreakerClosed after successful probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpen_FailureReopens(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	b.Allow() // trigger state check
	b.RecordFailure()

	if b.State() != BreakerOpen {
		t.Errorf("expected BreakerOpen after failed probe, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, 5*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Errorf("expected BreakerClosed, failures should have reset, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Errorf("expected BreakerOpen after 3 consecutive failures, got %s", b.State())
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half_open"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

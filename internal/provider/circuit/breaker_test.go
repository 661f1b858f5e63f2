package circuit

import (
	"testing"
	"time"
)

func TestCircuitBreaker_RecordFailure(t *testing.T) {
	cb := NewBreaker(3)

	if cb.RecordFailure() {
		t.Error("should not trip on first failure")
	}
	if cb.FailureCount() != 1 {
		t.Errorf("expected failure count 1, got %d", cb.FailureCount())
	}
	if cb.RecordFailure() {
		t.Error("should not trip on second failure")
	}
	if !cb.RecordFailure() {
		t.Error("should trip on third failure")
	}
	if cb.FailureCount() != 0 {
		t.Errorf("expected failure count to reset to 0, got %d", cb.FailureCount())
	}
	if cb.Trips() != 1 {
		t.Errorf("expected 1 trip, got %d", cb.Trips())
	}
}

func TestCircuitBreaker_SuccessEndsRun(t *testing.T) {
	cb := NewBreaker(2)
	cb.RecordFailure()
	cb.RecordSuccess()
	if cb.RecordFailure() {
		t.Error("success should have reset the failure run")
	}
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewBreaker(0)
	for i := 0; i < 10; i++ {
		if cb.RecordFailure() {
			t.Fatal("breaker with threshold 0 should never trip")
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewBreaker(1)
	cb.RecordFailure()
	cb.Reset()
	if cb.Trips() != 0 || cb.FailureCount() != 0 {
		t.Errorf("expected clean breaker after reset, got trips=%d failures=%d", cb.Trips(), cb.FailureCount())
	}
}

func TestBackoff_Doubling(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second, 0)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		got, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d unexpectedly exhausted", i)
		}
		if got != w {
			t.Errorf("attempt %d: got %v want %v", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("expected %d attempts, got %d", len(want), b.Attempts())
	}
}

func TestBackoff_Exhaustion(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, time.Second, 2)
	if _, ok := b.Next(); !ok {
		t.Fatal("first attempt should be allowed")
	}
	if _, ok := b.Next(); !ok {
		t.Fatal("second attempt should be allowed")
	}
	if _, ok := b.Next(); ok {
		t.Fatal("third attempt should be refused")
	}

	b.Reset()
	d, ok := b.Next()
	if !ok || d != 10*time.Millisecond {
		t.Fatalf("after reset expected initial delay, got %v ok=%v", d, ok)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0, 0)
	d, ok := b.Next()
	if !ok || d != time.Second {
		t.Fatalf("expected 1s default, got %v ok=%v", d, ok)
	}
}

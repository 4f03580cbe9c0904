package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failing(_ context.Context) error { return errors.New("fail") }

// call runs fn through cb and drops the value.
func call(cb *CircuitBreaker, fn func(context.Context) error) error {
	_, err := ExecuteVal(context.Background(), cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := call(cb, func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_ = call(cb, failing)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	err := call(cb, func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if KindOf(err) != KindAborted {
		t.Errorf("expected aborted kind for rejected call, got %s", KindOf(err))
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	_ = call(cb, failing)
	_ = call(cb, failing)
	_ = call(cb, func(_ context.Context) error { return nil })
	_ = call(cb, failing)
	_ = call(cb, failing)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_TripOnKind(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ShouldTrip:       TripOnKind(KindAuth),
	})

	for i := 0; i < 5; i++ {
		_ = call(cb, func(_ context.Context) error {
			return NewTransientError(errors.New("503"), 503)
		})
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("transient errors must not trip, got %s", cb.State())
	}

	for i := 0; i < 2; i++ {
		_ = call(cb, func(_ context.Context) error {
			return NewError(KindAuth, errors.New("invalid key"))
		})
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected open after auth failures, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.nowFunc = func() time.Time { return now }

	_ = call(cb, failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}

	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	if err != nil || val != 7 {
		t.Fatalf("unexpected result %d, %v", val, err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after trial success, got %s", cb.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("unexpected transitions %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_ZeroResetStaysOpen(t *testing.T) {
	cb := NewCircuitBreaker(FromCircuitConfig(1, 0))
	_ = call(cb, failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after Reset, got %s", cb.State())
	}
}

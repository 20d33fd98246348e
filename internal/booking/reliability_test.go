package booking

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	boom := errors.New("payment gateway down")

	for i := 0; i < 2; i++ {
		if err := breaker.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	// After the reset window a probe goes through; success closes the circuit.
	now = now.Add(2 * time.Second)
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("closed circuit rejected call: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	boom := errors.New("still down")

	if err := breaker.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("trip: %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := breaker.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("probe: %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
}

func TestCircuitBreaker_BusinessOutcomesDoNotTrip(t *testing.T) {
	t.Parallel()
	breaker := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})

	if err := breaker.Execute(func() error { return ErrPaymentDeclined }); !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("decline: %v", err)
	}
	if err := breaker.Execute(func() error {
		return &VersionConflictError{ItemID: "seat-1", CurrentVersion: 2}
	}); err == nil {
		t.Fatalf("expected conflict to pass through")
	}
	// The circuit stayed closed through both rejections.
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("circuit tripped on business outcomes: %v", err)
	}
}

func TestRateLimiter_EnforcesBurstThenRefills(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(100*time.Millisecond, 2)
	limiter.now = func() time.Time { return now }
	var slept []time.Duration
	limiter.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	limiter.tokens = 2
	limiter.last = now

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("burst wait %d: %v", i, err)
		}
	}
	if len(slept) != 0 {
		t.Fatalf("burst must not sleep, slept %v", slept)
	}
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("third wait: %v", err)
	}
	if len(slept) == 0 {
		t.Fatalf("expected a refill wait")
	}
}

func TestGuardedPaymentClient_PassesThroughResults(t *testing.T) {
	t.Parallel()
	pay := NewMemoryPayments()
	guarded := NewGuardedPaymentClient(pay, nil, NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3}))

	charge, err := guarded.Charge(context.Background(), "k1", "c1", 12.50)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if charge.ChargeID == "" || charge.Amount != 12.50 {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if err := guarded.Refund(context.Background(), "k1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
}

package kairo

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBreakerOp = errors.New("op failed")

func fixedClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time { return cur }
}

// TestCircuitBreaker_S5 reproduces spec.md §8 scenario S5.
func TestCircuitBreaker_S5(t *testing.T) {
	start := time.Now()
	clock := start
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 5 * time.Second})
	b.now = func() time.Time { return clock }

	fail := func() error { return errBreakerOp }
	ok := func() error { return nil }

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return fail() })
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected Open after 3 failures, got %v", b.State())
	}

	clock = start.Add(1 * time.Second)
	if err := b.Execute(context.Background(), func(context.Context) error { return ok() }); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen at t+1s, got %v", err)
	}

	clock = start.Add(6 * time.Second)
	if err := b.Execute(context.Background(), func(context.Context) error { return ok() }); err != nil {
		t.Fatalf("expected HalfOpen probe to run op, got %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected HalfOpen after first success, got %v", b.State())
	}

	if err := b.Execute(context.Background(), func(context.Context) error { return ok() }); err != nil {
		t.Fatalf("expected second success to run, got %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected Closed after success_threshold successes, got %v", b.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	start := time.Now()
	clock := start
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 5 * time.Second})
	b.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBreakerOp })
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected Open, got %v", b.State())
	}

	clock = start.Add(6 * time.Second)
	err := b.Execute(context.Background(), func(context.Context) error { return errBreakerOp })
	if err != errBreakerOp {
		t.Fatalf("expected the op's own error to surface, got %v", err)
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected a HalfOpen failure to send the breaker back to Open, got %v", b.State())
	}
}

func TestCircuitBreaker_ClosedResetsFailureCountOnSuccess(t *testing.T) {
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Minute})
	_ = b.Execute(context.Background(), func(context.Context) error { return errBreakerOp })
	_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	_ = b.Execute(context.Background(), func(context.Context) error { return errBreakerOp })
	_ = b.Execute(context.Background(), func(context.Context) error { return errBreakerOp })
	if b.State() != BreakerClosed {
		t.Fatalf("expected Closed since consecutive failures never reached threshold, got %v", b.State())
	}
}

func TestCircuitBreaker_ManualResetAndOpen(t *testing.T) {
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute})
	_ = b.Execute(context.Background(), func(context.Context) error { return errBreakerOp })
	if b.State() != BreakerOpen {
		t.Fatalf("expected Open, got %v", b.State())
	}

	b.Reset()
	if b.State() != BreakerClosed {
		t.Fatalf("expected Closed after Reset, got %v", b.State())
	}

	b.Open()
	if b.State() != BreakerOpen {
		t.Fatalf("expected Open after manual Open, got %v", b.State())
	}
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen immediately after manual Open, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenRequestBudget(t *testing.T) {
	start := time.Now()
	clock := start
	b := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:      1,
		SuccessThreshold:      10,
		Timeout:               time.Second,
		MaxRequestsInHalfOpen: 2,
	})
	b.now = func() time.Time { return clock }

	_ = b.Execute(context.Background(), func(context.Context) error { return errBreakerOp })
	clock = start.Add(2 * time.Second)

	block := make(chan struct{})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Execute(context.Background(), func(context.Context) error {
				<-block
				return nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != ErrCircuitOpen {
		t.Fatalf("expected third HalfOpen probe to be denied while budget exhausted, got %v", err)
	}

	close(block)
	for i := 0; i < 2; i++ {
		<-done
	}
}

package kairo

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the CircuitBreaker's current state (§3, §4.6).
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "Closed"
	case BreakerOpen:
		return "Open"
	case BreakerHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// CircuitBreakerConfig carries §4.6's tunables.
type CircuitBreakerConfig struct {
	FailureThreshold       int
	Timeout                time.Duration
	SuccessThreshold       int
	MaxRequestsInHalfOpen  int
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.MaxRequestsInHalfOpen <= 0 {
		c.MaxRequestsInHalfOpen = 5
	}
	return c
}

// CircuitBreaker is a Closed/Open/HalfOpen failure-isolating state machine
// (§4.6). All counters and the state itself are guarded by a single mutex,
// the isolation-unit shape §5 calls for.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu                sync.Mutex
	state             BreakerState
	failureCount      int
	successCount      int
	requestsInHalfOpen int
	lastFailureAt     time.Time

	now func() time.Time // injectable for tests
}

// NewCircuitBreaker constructs a CircuitBreaker in the Closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: BreakerClosed, now: time.Now}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker's admission rules (§4.6). It returns
// ErrCircuitOpen without calling op when the breaker is tripped and the
// timeout hasn't elapsed, or when the HalfOpen probe budget is exhausted.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}

	err := op(ctx)
	b.report(err == nil)
	return err
}

// admit decides whether the call may proceed, transitioning Open->HalfOpen
// when the timeout has elapsed and reserving a HalfOpen probe slot.
func (b *CircuitBreaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if b.now().Sub(b.lastFailureAt) < b.cfg.Timeout {
			return false
		}
		b.toHalfOpenLocked()
		fallthrough

	case BreakerHalfOpen:
		if b.requestsInHalfOpen >= b.cfg.MaxRequestsInHalfOpen {
			return false
		}
		b.requestsInHalfOpen++
		return true
	}
	return false
}

func (b *CircuitBreaker) toHalfOpenLocked() {
	b.state = BreakerHalfOpen
	b.failureCount = 0
	b.successCount = 0
	b.requestsInHalfOpen = 0
}

// report records the outcome of a permitted call and applies state
// transitions per §4.6.
func (b *CircuitBreaker) report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if success {
			b.failureCount = 0
			return
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.lastFailureAt = b.now()
		}

	case BreakerHalfOpen:
		if success {
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				b.state = BreakerClosed
				b.failureCount = 0
				b.successCount = 0
			}
			return
		}
		b.state = BreakerOpen
		b.lastFailureAt = b.now()
	}
}

// Reset forces the breaker Closed and clears all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.requestsInHalfOpen = 0
}

// Open forces the breaker Open with last_failure_at=now.
func (b *CircuitBreaker) Open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerOpen
	b.lastFailureAt = b.now()
}

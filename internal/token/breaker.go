package token

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// BreakerClosed lets every call through
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout elapses
	BreakerOpen
	// BreakerHalfOpen lets a probe call through
	BreakerHalfOpen
)

// String returns the string representation of BreakerState
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen indicates the upstream signer is being shed after repeated failures
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops hammering the upstream signer once it keeps failing
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time
	onChange         func(from, to BreakerState)

	mu              sync.Mutex
	state           BreakerState
	failures        int
	lastFailureTime time.Time
}

// BreakerOption configures a CircuitBreaker
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the breaker's time source
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a callback invoked (outside the lock) on each state change
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold consecutive failures
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		state:            BreakerClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Call executes fn if the breaker allows it and records the outcome
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	from, to, changed := cb.advanceLocked()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(from, to, changed)

	if state == BreakerOpen {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	if err != nil {
		from, to, changed = cb.recordFailureLocked()
	} else {
		from, to, changed = cb.recordSuccessLocked()
	}
	cb.mu.Unlock()
	cb.notify(from, to, changed)

	return err
}

// State returns the current state, moving Open to HalfOpen once the reset timeout has elapsed
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	from, to, changed := cb.advanceLocked()
	state := cb.state
	cb.mu.Unlock()
	cb.notify(from, to, changed)
	return state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = BreakerClosed
	cb.failures = 0
	cb.lastFailureTime = time.Time{}
	cb.mu.Unlock()
	cb.notify(from, BreakerClosed, from != BreakerClosed)
}

func (cb *CircuitBreaker) advanceLocked() (BreakerState, BreakerState, bool) {
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		cb.state = BreakerHalfOpen
		cb.failures = 0
		return BreakerOpen, BreakerHalfOpen, true
	}
	return cb.state, cb.state, false
}

func (cb *CircuitBreaker) recordSuccessLocked() (BreakerState, BreakerState, bool) {
	from := cb.state
	cb.failures = 0
	cb.state = BreakerClosed
	return from, BreakerClosed, from != BreakerClosed
}

func (cb *CircuitBreaker) recordFailureLocked() (BreakerState, BreakerState, bool) {
	from := cb.state
	cb.failures++
	cb.lastFailureTime = cb.now()
	// A failed probe reopens immediately
	if from == BreakerHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = BreakerOpen
	}
	return from, cb.state, from != cb.state
}

func (cb *CircuitBreaker) notify(from, to BreakerState, changed bool) {
	if changed && cb.onChange != nil {
		cb.onChange(from, to)
	}
}

package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is where a CircuitBreaker stands.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls fail fast
	BreakerHalfOpen                     // probes decide between closed and open
)

var breakerStateNames = [...]string{"closed", "open", "half_open"}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

// MarshalText lets the state appear by name in JSON health reports.
func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CircuitBreaker trips after consecutive failures of a remote service so a
// dead description backend fails checks fast instead of timing out each one.
// Several services can share one breaker when they hit the same backend.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int // consecutive failures while closed
	probes    int // consecutive successes while half-open
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	probesMax int
	now       func() time.Time
	onChange  func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets how many consecutive failures open the breaker.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.threshold = n
		}
	}
}

// WithBreakerResetTimeout sets how long an open breaker waits before letting
// probes through.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.cooldown = d
		}
	}
}

// WithBreakerHalfOpenMax sets how many successful probes close the breaker.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.probesMax = n
		}
	}
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerStateChange registers fn to run after every transition. fn runs
// with the breaker unlocked.
func WithBreakerStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker defaults to 5 failures, a 30s cooldown and 2 probes.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold: 5,
		cooldown:  30 * time.Second,
		probesMax: 2,
		now:       time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State reports the current state, moving an expired open breaker to
// half-open first.
func (cb *CircuitBreaker) State() BreakerState {
	s, fire := cb.update(func() {})
	fire()
	return s
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != BreakerOpen
}

// RecordSuccess notes a completed call.
func (cb *CircuitBreaker) RecordSuccess() {
	_, fire := cb.update(func() {
		switch cb.state {
		case BreakerClosed:
			cb.failures = 0
		case BreakerHalfOpen:
			cb.probes++
			if cb.probes >= cb.probesMax {
				cb.state = BreakerClosed
				cb.failures, cb.probes = 0, 0
			}
		}
	})
	fire()
}

// RecordFailure notes a failed call. A failed probe reopens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	_, fire := cb.update(func() {
		switch cb.state {
		case BreakerClosed:
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.state = BreakerOpen
				cb.openedAt = cb.now()
			}
		case BreakerHalfOpen:
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
			cb.probes = 0
		}
	})
	fire()
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	_, fire := cb.update(func() {
		cb.state = BreakerClosed
		cb.failures, cb.probes = 0, 0
	})
	fire()
}

// update applies the cooldown transition then mutate under the lock. The
// returned func delivers the state change notification, if any.
func (cb *CircuitBreaker) update(mutate func()) (BreakerState, func()) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.probes = 0
	}
	mutate()
	to := cb.state
	onChange := cb.onChange
	cb.mu.Unlock()

	if from == to || onChange == nil {
		return to, func() {}
	}
	return to, func() { onChange(from, to) }
}

// WithCircuitBreaker rejects calls with *ErrCircuitOpen while cb is open and
// feeds every outcome back into cb. A call abandoned by its own caller
// (context.Canceled) says nothing about the service and is not counted.
func WithCircuitBreaker(cb *CircuitBreaker, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{Service: service}
			}
			resp, err := next(ctx, payload)
			switch {
			case err == nil:
				cb.RecordSuccess()
			case errors.Is(err, context.Canceled):
			default:
				cb.RecordFailure()
			}
			return resp, err
		}
	}
}

package resilience

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls are permitted and failures are counted.
	StateClosed State = iota
	// StateOpen means calls are blocked until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen means a single probe call has been let through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of recorded failures that opens the
	// circuit.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open after the last
	// failure before a probe is allowed.
	// Default: 60 seconds
	RecoveryTimeout time.Duration

	// OnStateChange is called when the circuit state changes. It runs with
	// the breaker's lock held and must not call back into the breaker.
	OnStateChange func(from, to State)
}

// CircuitBreaker is the failure state machine for one provider.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probeAt     time.Time
}

// NewCircuitBreaker creates a new circuit breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// CanExecute reports whether a call may proceed. An open circuit whose
// recovery timeout has elapsed moves to half-open and admits exactly this
// call; further checks are denied until the probe's outcome is recorded.
// A probe whose outcome is never recorded expires after another recovery
// timeout, and the next check becomes the new probe.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.RecoveryTimeout {
			cb.setState(StateHalfOpen)
			cb.probeAt = time.Now()
			return true
		}
		return false

	default:
		if time.Since(cb.probeAt) > cb.config.RecoveryTimeout {
			cb.probeAt = time.Now()
			return true
		}
		return false
	}
}

// RecordSuccess resets the failure count and closes the circuit. It has no
// effect while the circuit is open.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		return
	}
	cb.failures = 0
	cb.setState(StateClosed)
}

// RecordFailure counts a failure and refreshes the last failure time. The
// circuit opens when the threshold is reached, and a failed probe reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// Execute runs op if the circuit permits it and records the outcome.
// Failures caused by ctx being done are not recorded.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !cb.CanExecute() {
		return ErrCircuitOpen
	}

	err := op(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() == nil:
		cb.RecordFailure()
	}
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the circuit to closed with no recorded failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) setState(state State) {
	old := cb.state
	cb.state = state
	if old != state && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(old, state)
	}
}

// Metrics returns current circuit breaker metrics.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		State:       cb.state,
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}

// CircuitBreakerMetrics contains circuit breaker statistics.
type CircuitBreakerMetrics struct {
	State       State
	Failures    int
	LastFailure time.Time // zero until the first failure
}

// Healthy reports whether the circuit is closed.
func (m CircuitBreakerMetrics) Healthy() bool {
	return m.State == StateClosed
}

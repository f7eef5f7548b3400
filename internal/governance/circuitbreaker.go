package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed lets every call through.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen admits a limited number of probes.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenProbes is the number of successful probes needed to close the
	// circuit again. A single failed probe reopens it.
	HalfOpenProbes int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the thresholds used for the shared
// cache tier.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         5 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker short-circuits calls to a dependency that keeps failing.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig

	state        CircuitBreakerState
	failures     int
	probes       int
	successes    int
	openUntil    time.Time
	lastChange   time.Time
	totalRejects int
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{
		config:     config,
		state:      StateClosed,
		lastChange: config.Now(),
	}
}

// Execute runs fn under breaker protection. Context cancellation is not
// counted as a dependency failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if errors.Is(err, context.Canceled) {
		cb.release()
		return err
	}
	cb.Record(err)
	return err
}

// Allow reserves a slot for one call, or returns ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			cb.totalRejects++
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen, now)
		cb.probes++
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			cb.totalRejects++
			return ErrCircuitOpen
		}
		cb.probes++
		return nil
	}
	return nil
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	switch cb.state {
	case StateHalfOpen:
		if err != nil {
			cb.transitionLocked(StateOpen, now)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.HalfOpenProbes {
			cb.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		if err == nil {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) transitionLocked(next CircuitBreakerState, now time.Time) {
	if cb.state == next {
		return
	}
	cb.state = next
	cb.lastChange = now
	cb.failures = 0
	cb.probes = 0
	cb.successes = 0
	if next == StateOpen {
		cb.openUntil = now.Add(cb.config.Cooldown)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Rejected        int    `json:"rejected"`
	LastStateChange string `json:"lastStateChange"`
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.failures,
		Rejected:        cb.totalRejects,
		LastStateChange: cb.lastChange.Format(time.RFC3339),
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, cb.config.Now())
	cb.failures = 0
}

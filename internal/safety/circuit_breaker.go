package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker refuses calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold uint32        `yaml:"success_threshold"` // Successes to close from half-open
	Timeout          time.Duration `yaml:"timeout"`           // Time to wait before trying again
}

// CircuitBreaker guards venue calls so a failing exchange endpoint is not hammered.
// It only ever affects the validate-only dry run path; it is not a gate.
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	state         CircuitBreakerState
	failures      uint32
	successes     uint32
	lastFailure   time.Time
	nextAttempt   time.Time
	mutex         sync.Mutex
	name          string
	now           func() time.Time
	onStateChange func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		name:   name,
		now:    time.Now,
	}
}

// WithClock overrides the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// SetStateChangeCallback sets a callback invoked synchronously after each state change
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(from, to CircuitBreakerState)) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = callback
}

// Call executes fn with circuit breaker protection. Context cancellation is not
// counted as a venue failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.record(true)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
	default:
		cb.record(false)
	}
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mutex.Lock()
	var change *[2]CircuitBreakerState
	defer func() {
		callback := cb.onStateChange
		cb.mutex.Unlock()
		if change != nil && callback != nil {
			callback(change[0], change[1])
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.nextAttempt) {
			return fmt.Errorf("%w: %s until %s", ErrCircuitOpen, cb.name, cb.nextAttempt.Format(time.RFC3339))
		}
		change = cb.transition(StateHalfOpen)
		cb.successes = 0
	}
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mutex.Lock()
	var change *[2]CircuitBreakerState
	defer func() {
		callback := cb.onStateChange
		cb.mutex.Unlock()
		if change != nil && callback != nil {
			callback(change[0], change[1])
		}
	}()

	if success {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				change = cb.transition(StateClosed)
				cb.successes = 0
			}
		}
		return
	}

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		change = cb.transition(StateOpen)
		cb.nextAttempt = cb.now().Add(cb.config.Timeout)
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) transition(to CircuitBreakerState) *[2]CircuitBreakerState {
	from := cb.state
	cb.state = to
	if from == to {
		return nil
	}
	return &[2]CircuitBreakerState{from, to}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// CircuitBreakerStats holds statistics about a circuit breaker
type CircuitBreakerStats struct {
	Name        string
	State       CircuitBreakerState
	Failures    uint32
	Successes   uint32
	LastFailure time.Time
	NextAttempt time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return CircuitBreakerStats{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		LastFailure: cb.lastFailure,
		NextAttempt: cb.nextAttempt,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}

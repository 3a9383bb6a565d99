// Package observability guards external connections (KV store, broker,
// database) with circuit breaking, adaptive timeouts, and per-connection
// statistics.
package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where limited operations are allowed to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu sync.Mutex

	// Configuration
	name             string
	maxFailures      int
	timeout          time.Duration
	successThreshold int

	// State
	state           CircuitBreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	// Counters
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64
}

// NewCircuitBreaker creates a new circuit breaker. After maxFailures
// consecutive failures the circuit opens for timeout; successThreshold
// consecutive successes in half-open close it again.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		timeout:          timeout,
		successThreshold: 3,
		state:            StateClosed,
	}
}

// CanExecute returns true if the circuit breaker allows execution.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.timeout {
			cb.setState(StateHalfOpen)
			cb.failureCount = 0
			cb.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalSuccesses++

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
		return
	}
	if cb.state == StateClosed {
		cb.failureCount = 0
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during the trial reopens the circuit.
		cb.setState(StateOpen)
		cb.successCount = 0
	}
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.stateChanges++
	observability.RecordBreakerTransition(cb.name, next.String())

	if next == StateOpen {
		slog.Warn("circuit breaker opened",
			slog.String("name", cb.name),
			slog.Int("failure_count", cb.failureCount),
			slog.Int("max_failures", cb.maxFailures))
		return
	}
	slog.Info("circuit breaker state changed",
		slog.String("name", cb.name),
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	successRate := float64(0)
	if cb.totalRequests > 0 {
		successRate = float64(cb.totalSuccesses) / float64(cb.totalRequests) * 100
	}

	return map[string]interface{}{
		"name":              cb.name,
		"state":             cb.state.String(),
		"max_failures":      cb.maxFailures,
		"timeout":           cb.timeout.String(),
		"success_threshold": cb.successThreshold,
		"failure_count":     cb.failureCount,
		"success_count":     cb.successCount,
		"total_requests":    cb.totalRequests,
		"total_failures":    cb.totalFailures,
		"total_successes":   cb.totalSuccesses,
		"success_rate":      successRate,
		"state_changes":     cb.stateChanges,
		"last_failure":      cb.lastFailureTime.Format(time.RFC3339),
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.totalRequests = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.stateChanges = 0
	cb.lastFailureTime = time.Time{}
}

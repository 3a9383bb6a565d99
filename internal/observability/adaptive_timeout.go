package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Adjustment factors applied to the current timeout on each outcome.
const (
	successFactor = 0.95
	failureFactor = 1.05
	timeoutFactor = 1.10
)

// AdaptiveTimeoutManager tunes an operation timeout between a floor and a
// ceiling based on observed outcomes: fast successes shrink it, failures and
// timeouts grow it.
type AdaptiveTimeoutManager struct {
	mu sync.RWMutex

	baseTimeout time.Duration
	minTimeout  time.Duration
	maxTimeout  time.Duration

	successCount int64
	failureCount int64
	timeoutCount int64

	currentTimeout time.Duration
	lastUpdate     time.Time
}

// NewAdaptiveTimeoutManager creates a new adaptive timeout manager
func NewAdaptiveTimeoutManager(baseTimeout, minTimeout, maxTimeout time.Duration) *AdaptiveTimeoutManager {
	return &AdaptiveTimeoutManager{
		baseTimeout:    baseTimeout,
		minTimeout:     minTimeout,
		maxTimeout:     maxTimeout,
		currentTimeout: baseTimeout,
	}
}

// GetTimeout returns the current adaptive timeout
func (atm *AdaptiveTimeoutManager) GetTimeout() time.Duration {
	atm.mu.RLock()
	defer atm.mu.RUnlock()
	return atm.currentTimeout
}

// RecordSuccess records a successful operation and adjusts timeout
func (atm *AdaptiveTimeoutManager) RecordSuccess(duration time.Duration) {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	atm.successCount++

	// Only shrink when the operation finished well inside the window.
	if duration < atm.currentTimeout/2 {
		newTimeout := time.Duration(float64(atm.currentTimeout) * successFactor)
		if newTimeout >= atm.minTimeout {
			atm.currentTimeout = newTimeout
		}
	}
	atm.lastUpdate = time.Now()
}

// RecordFailure records a failed operation and adjusts timeout
func (atm *AdaptiveTimeoutManager) RecordFailure(err error) {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	atm.failureCount++

	newTimeout := time.Duration(float64(atm.currentTimeout) * failureFactor)
	if newTimeout <= atm.maxTimeout {
		atm.currentTimeout = newTimeout
		slog.Debug("adaptive timeout increased after failure",
			slog.Duration("new_timeout", atm.currentTimeout),
			slog.String("error", err.Error()))
	}
	atm.lastUpdate = time.Now()
}

// RecordTimeout records a timed-out operation and adjusts timeout
func (atm *AdaptiveTimeoutManager) RecordTimeout() {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	atm.timeoutCount++

	newTimeout := time.Duration(float64(atm.currentTimeout) * timeoutFactor)
	if newTimeout <= atm.maxTimeout {
		atm.currentTimeout = newTimeout
		slog.Debug("adaptive timeout increased after deadline",
			slog.Duration("new_timeout", atm.currentTimeout))
	}
	atm.lastUpdate = time.Now()
}

// WithTimeout creates a context with the current adaptive timeout
func (atm *AdaptiveTimeoutManager) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, atm.GetTimeout())
}

// GetStats returns current statistics
func (atm *AdaptiveTimeoutManager) GetStats() map[string]interface{} {
	atm.mu.RLock()
	defer atm.mu.RUnlock()

	total := atm.successCount + atm.failureCount + atm.timeoutCount
	successRate := float64(0)
	if total > 0 {
		successRate = float64(atm.successCount) / float64(total) * 100
	}

	return map[string]interface{}{
		"current_timeout": atm.currentTimeout.String(),
		"base_timeout":    atm.baseTimeout.String(),
		"min_timeout":     atm.minTimeout.String(),
		"max_timeout":     atm.maxTimeout.String(),
		"success_count":   atm.successCount,
		"failure_count":   atm.failureCount,
		"timeout_count":   atm.timeoutCount,
		"success_rate":    fmt.Sprintf("%.2f%%", successRate),
		"last_update":     atm.lastUpdate.Format(time.RFC3339),
	}
}

// Reset resets the adaptive timeout to base value
func (atm *AdaptiveTimeoutManager) Reset() {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	atm.currentTimeout = atm.baseTimeout
	atm.successCount = 0
	atm.failureCount = 0
	atm.timeoutCount = 0
	atm.lastUpdate = time.Now()
}

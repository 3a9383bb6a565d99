package observability

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionType represents different types of external connections
type ConnectionType string

// Predefined connection types used across the system.
const (
	ConnectionTypeKV       ConnectionType = "kv"
	ConnectionTypeBroker   ConnectionType = "broker"
	ConnectionTypeDatabase ConnectionType = "database"
	ConnectionTypeHTTP     ConnectionType = "http"
)

// OperationType represents different types of operations
type OperationType string

// Predefined operation types tracked for metrics and observability.
const (
	OperationTypeQuery     OperationType = "query"
	OperationTypePublish   OperationType = "publish"
	OperationTypeConsume   OperationType = "consume"
	OperationTypeScript    OperationType = "script"
	OperationTypeSubscribe OperationType = "subscribe"
)

// ConnectionMetrics tracks in-process statistics for one external connection.
type ConnectionMetrics struct {
	mu sync.RWMutex

	ConnectionType ConnectionType
	OperationType  OperationType
	Endpoint       string

	TotalRequests   int64
	SuccessRequests int64
	FailureRequests int64
	TimeoutRequests int64

	TotalLatency time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
	AvgLatency   time.Duration

	// Error tracking, keyed by a bounded form of the error text.
	ErrorCounts map[string]int64

	FirstRequest time.Time
	LastRequest  time.Time
	LastSuccess  time.Time
	LastFailure  time.Time
}

const maxErrorKeyLen = 100

// NewConnectionMetrics creates new connection metrics
func NewConnectionMetrics(connType ConnectionType, opType OperationType, endpoint string) *ConnectionMetrics {
	return &ConnectionMetrics{
		ConnectionType: connType,
		OperationType:  opType,
		Endpoint:       endpoint,
		MinLatency:     time.Hour, // Initialize with high value
		ErrorCounts:    make(map[string]int64),
	}
}

// RecordRequest records a request start
func (cm *ConnectionMetrics) RecordRequest() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.TotalRequests++
	if cm.FirstRequest.IsZero() {
		cm.FirstRequest = time.Now()
	}
	cm.LastRequest = time.Now()
}

// RecordSuccess records a successful operation
func (cm *ConnectionMetrics) RecordSuccess(duration time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.SuccessRequests++
	cm.LastSuccess = time.Now()

	cm.TotalLatency += duration
	if duration < cm.MinLatency {
		cm.MinLatency = duration
	}
	if duration > cm.MaxLatency {
		cm.MaxLatency = duration
	}
	if cm.SuccessRequests > 0 {
		cm.AvgLatency = cm.TotalLatency / time.Duration(cm.SuccessRequests)
	}
}

// RecordFailure records a failed operation
func (cm *ConnectionMetrics) RecordFailure(err error, _ time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.FailureRequests++
	cm.LastFailure = time.Now()
	cm.ErrorCounts[errorKey(err)]++
}

// RecordTimeout records a timeout
func (cm *ConnectionMetrics) RecordTimeout(_ time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.TimeoutRequests++
	cm.LastFailure = time.Now()
	cm.ErrorCounts["timeout"]++
}

func errorKey(err error) string {
	if err == nil {
		return "unknown"
	}
	s := err.Error()
	if len(s) > maxErrorKeyLen {
		s = s[:maxErrorKeyLen]
	}
	return s
}

// GetStats returns current metrics
func (cm *ConnectionMetrics) GetStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	successRate := float64(0)
	timeoutRate := float64(0)
	if cm.TotalRequests > 0 {
		successRate = float64(cm.SuccessRequests) / float64(cm.TotalRequests) * 100
		timeoutRate = float64(cm.TimeoutRequests) / float64(cm.TotalRequests) * 100
	}

	uptime := time.Since(cm.FirstRequest)
	if cm.FirstRequest.IsZero() {
		uptime = 0
	}

	errorCounts := make(map[string]int64, len(cm.ErrorCounts))
	for k, v := range cm.ErrorCounts {
		errorCounts[k] = v
	}

	return map[string]interface{}{
		"connection_type":  string(cm.ConnectionType),
		"operation_type":   string(cm.OperationType),
		"endpoint":         cm.Endpoint,
		"total_requests":   cm.TotalRequests,
		"success_requests": cm.SuccessRequests,
		"failure_requests": cm.FailureRequests,
		"timeout_requests": cm.TimeoutRequests,
		"success_rate":     fmt.Sprintf("%.2f%%", successRate),
		"timeout_rate":     fmt.Sprintf("%.2f%%", timeoutRate),
		"avg_latency":      cm.AvgLatency.String(),
		"min_latency":      cm.MinLatency.String(),
		"max_latency":      cm.MaxLatency.String(),
		"uptime":           uptime.String(),
		"error_counts":     errorCounts,
		"first_request":    cm.FirstRequest.Format(time.RFC3339),
		"last_request":     cm.LastRequest.Format(time.RFC3339),
		"last_success":     cm.LastSuccess.Format(time.RFC3339),
		"last_failure":     cm.LastFailure.Format(time.RFC3339),
	}
}

// IsHealthy returns true if the connection is healthy
func (cm *ConnectionMetrics) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	// Recent failures with a majority failure rate mark the connection bad.
	if !cm.LastFailure.IsZero() && time.Since(cm.LastFailure) < 5*time.Minute {
		recentTotal := cm.SuccessRequests + cm.FailureRequests
		if recentTotal > 0 {
			failureRate := float64(cm.FailureRequests) / float64(recentTotal)
			if failureRate > 0.5 {
				return false
			}
		}
	}
	return true
}

// Reset resets all metrics
func (cm *ConnectionMetrics) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.TotalRequests = 0
	cm.SuccessRequests = 0
	cm.FailureRequests = 0
	cm.TimeoutRequests = 0
	cm.TotalLatency = 0
	cm.MinLatency = time.Hour
	cm.MaxLatency = 0
	cm.AvgLatency = 0
	cm.ErrorCounts = make(map[string]int64)
	cm.FirstRequest = time.Time{}
	cm.LastRequest = time.Time{}
	cm.LastSuccess = time.Time{}
	cm.LastFailure = time.Time{}
}

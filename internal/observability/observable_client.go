package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBreakerOpen is returned when the circuit breaker rejects an operation.
var ErrBreakerOpen = errors.New("circuit breaker open")

// ObservableClient wraps calls to an external connection with circuit
// breaking, adaptive timeouts, tracing, and per-connection statistics.
type ObservableClient struct {
	AdaptiveTimeout *AdaptiveTimeoutManager
	Metrics         *ConnectionMetrics
	CircuitBreaker  *CircuitBreaker

	ConnectionType ConnectionType
	OperationType  OperationType
	Endpoint       string

	tracer trace.Tracer
}

// NewObservableClient creates a new observable client
func NewObservableClient(
	connType ConnectionType,
	opType OperationType,
	endpoint string,
	baseTimeout, minTimeout, maxTimeout time.Duration,
) *ObservableClient {
	return &ObservableClient{
		AdaptiveTimeout: NewAdaptiveTimeoutManager(baseTimeout, minTimeout, maxTimeout),
		Metrics:         NewConnectionMetrics(connType, opType, endpoint),
		CircuitBreaker:  NewCircuitBreaker(string(connType)+":"+endpoint, 5, 30*time.Second),
		ConnectionType:  connType,
		OperationType:   opType,
		Endpoint:        endpoint,
		tracer:          otel.Tracer("milvaion"),
	}
}

// ExecuteWithMetrics executes an operation with breaker protection, an
// adaptive timeout, a trace span, and outcome accounting.
func (oc *ObservableClient) ExecuteWithMetrics(
	ctx context.Context,
	operationName string,
	operation func(ctx context.Context) error,
) error {
	oc.Metrics.RecordRequest()

	if !oc.CircuitBreaker.CanExecute() {
		oc.Metrics.RecordFailure(ErrBreakerOpen, 0)
		return fmt.Errorf("%w for %s", ErrBreakerOpen, oc.Endpoint)
	}

	spanCtx, span := oc.tracer.Start(ctx, fmt.Sprintf("%s.%s", oc.ConnectionType, operationName))
	defer span.End()
	span.SetAttributes(
		attribute.String("connection.type", string(oc.ConnectionType)),
		attribute.String("operation.type", string(oc.OperationType)),
		attribute.String("endpoint", oc.Endpoint),
	)

	timeoutCtx, cancel := oc.AdaptiveTimeout.WithTimeout(spanCtx)
	defer cancel()

	start := time.Now()
	err := operation(timeoutCtx)
	duration := time.Since(start)

	span.SetAttributes(attribute.Float64("duration.seconds", duration.Seconds()))

	switch {
	case err == nil:
		oc.Metrics.RecordSuccess(duration)
		oc.AdaptiveTimeout.RecordSuccess(duration)
		oc.CircuitBreaker.RecordSuccess()
		span.SetStatus(codes.Ok, "success")
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		oc.Metrics.RecordTimeout(duration)
		oc.AdaptiveTimeout.RecordTimeout()
		oc.CircuitBreaker.RecordFailure()
		span.SetStatus(codes.Error, "timeout")
		slog.Error("operation timeout",
			slog.String("operation", operationName),
			slog.String("connection_type", string(oc.ConnectionType)),
			slog.String("endpoint", oc.Endpoint),
			slog.Duration("timeout", oc.AdaptiveTimeout.GetTimeout()),
			slog.Duration("duration", duration))
	default:
		oc.Metrics.RecordFailure(err, duration)
		oc.AdaptiveTimeout.RecordFailure(err)
		oc.CircuitBreaker.RecordFailure()
		span.SetStatus(codes.Error, err.Error())
		slog.Error("operation failed",
			slog.String("operation", operationName),
			slog.String("connection_type", string(oc.ConnectionType)),
			slog.String("endpoint", oc.Endpoint),
			slog.String("error", err.Error()),
			slog.Duration("duration", duration))
	}

	return err
}

// ExecuteWithRetry runs an operation through ExecuteWithMetrics with
// exponential backoff. A rejection by the circuit breaker stops retrying
// immediately.
func (oc *ObservableClient) ExecuteWithRetry(
	ctx context.Context,
	operationName string,
	operation func(ctx context.Context) error,
	maxRetries uint64,
	baseDelay time.Duration,
) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := oc.ExecuteWithMetrics(ctx, operationName, operation)
		if errors.Is(err, ErrBreakerOpen) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("op=%s: failed after %d attempts: %w", operationName, attempts, err)
	}
	return nil
}

// GetHealthStatus returns the health status of the connection
func (oc *ObservableClient) GetHealthStatus() map[string]interface{} {
	stats := oc.Metrics.GetStats()
	stats["adaptive_timeout"] = oc.AdaptiveTimeout.GetStats()
	stats["circuit_breaker"] = oc.CircuitBreaker.GetStats()
	stats["is_healthy"] = oc.IsHealthy()
	return stats
}

// IsHealthy returns true if the connection is healthy
func (oc *ObservableClient) IsHealthy() bool {
	return oc.Metrics.IsHealthy() && oc.CircuitBreaker.GetState() != StateOpen
}

// Reset resets all metrics and adaptive timeouts
func (oc *ObservableClient) Reset() {
	oc.Metrics.Reset()
	oc.AdaptiveTimeout.Reset()
	oc.CircuitBreaker.Reset()
}

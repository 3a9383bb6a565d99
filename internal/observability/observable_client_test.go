package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestClient() *ObservableClient {
	return NewObservableClient(ConnectionTypeKV, OperationTypeQuery, "localhost:6379",
		time.Second, 100*time.Millisecond, 5*time.Second)
}

func TestObservableClient_SuccessPath(t *testing.T) {
	oc := newTestClient()

	err := oc.ExecuteWithMetrics(context.Background(), "ping", func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if oc.Metrics.SuccessRequests != 1 {
		t.Fatalf("success count = %d, want 1", oc.Metrics.SuccessRequests)
	}
	if !oc.IsHealthy() {
		t.Fatal("client should be healthy after success")
	}
}

func TestObservableClient_FailureOpensBreaker(t *testing.T) {
	oc := newTestClient()
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_ = oc.ExecuteWithMetrics(context.Background(), "get", func(_ context.Context) error {
			return boom
		})
	}
	if oc.CircuitBreaker.GetState() != StateOpen {
		t.Fatalf("breaker state = %v, want open", oc.CircuitBreaker.GetState())
	}

	err := oc.ExecuteWithMetrics(context.Background(), "get", func(_ context.Context) error {
		t.Fatal("operation must not run while breaker is open")
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestObservableClient_TimeoutRecorded(t *testing.T) {
	oc := NewObservableClient(ConnectionTypeBroker, OperationTypePublish, "mq:5672",
		20*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond)

	err := oc.ExecuteWithMetrics(context.Background(), "publish", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if oc.Metrics.TimeoutRequests != 1 {
		t.Fatalf("timeout count = %d, want 1", oc.Metrics.TimeoutRequests)
	}
}

func TestObservableClient_ExecuteWithRetry(t *testing.T) {
	oc := newTestClient()

	calls := 0
	err := oc.ExecuteWithRetry(context.Background(), "flaky", func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestObservableClient_ExecuteWithRetryExhausts(t *testing.T) {
	oc := newTestClient()

	err := oc.ExecuteWithRetry(context.Background(), "always-bad", func(_ context.Context) error {
		return errors.New("nope")
	}, 2, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestObservableClient_HealthStatusShape(t *testing.T) {
	oc := newTestClient()
	_ = oc.ExecuteWithMetrics(context.Background(), "ping", func(_ context.Context) error { return nil })

	status := oc.GetHealthStatus()
	for _, key := range []string{"adaptive_timeout", "circuit_breaker", "is_healthy", "total_requests"} {
		if _, ok := status[key]; !ok {
			t.Fatalf("health status missing %q", key)
		}
	}

	oc.Reset()
	if oc.Metrics.TotalRequests != 0 {
		t.Fatal("reset should clear metrics")
	}
}

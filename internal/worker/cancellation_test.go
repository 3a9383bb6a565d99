package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

func TestCancellationListener_CancelsMatchingRun(t *testing.T) {
	f := newRuntimeFixture(t, testWorkerConfig(),
		NewHandler("Waiter", func(ctx context.Context, _ *Scope, _ json.RawMessage) error {
			<-ctx.Done()
			return ctx.Err()
		}))

	d := jobDelivery(t, jobMessage("occ-1", "Waiter", "{}"))
	handleErr := make(chan error, 1)
	go func() { handleErr <- f.rt.Handle(context.Background(), d) }()
	waitFor(t, 2*time.Second, func() bool { return f.rt.InflightCount() == 1 }, "run to start")

	src := newFakeCancellationSource()
	listener := NewCancellationListener(src, f.rt)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- listener.Run(ctx) }()

	// A request for an occurrence running elsewhere is ignored.
	src.ch <- domain.CancellationRequest{CorrelationID: "occ-elsewhere", Reason: "not ours"}
	src.ch <- domain.CancellationRequest{CorrelationID: "occ-1", Reason: "requested via api"}

	select {
	case err := <-handleErr:
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run not cancelled by the listener")
	}

	last := f.rec.lastStatus(t)
	if last.Status != string(domain.OccurrenceCancelled) {
		t.Errorf("status = %s, want Cancelled", last.Status)
	}
	if last.Exception == nil || *last.Exception != "requested via api" {
		t.Errorf("exception = %v", last.Exception)
	}

	cancel()
	close(src.ch)
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("listener returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestCancellationListener_ResubscribesAfterFailure(t *testing.T) {
	f := newRuntimeFixture(t, testWorkerConfig())

	src := newFakeCancellationSource()
	src.failures = 1
	listener := NewCancellationListener(src, f.rt)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- listener.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return src.subscribeCount() >= 2 }, "resubscribe after failure")

	cancel()
	close(src.ch)
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

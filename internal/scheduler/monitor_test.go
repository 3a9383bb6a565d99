package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

type fakeInspector struct {
	mu     sync.Mutex
	depths map[string]int
	errOn  string
	calls  map[string]int
}

func (f *fakeInspector) QueueDepth(_ domain.Context, queue string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[queue]++
	if queue == f.errOn {
		return 0, errors.New("channel closed")
	}
	return f.depths[queue], nil
}

func (f *fakeInspector) called(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[queue]
}

func TestQueueMonitor_PollCoversEveryQueueAndSurvivesProbeErrors(t *testing.T) {
	insp := &fakeInspector{
		depths: map[string]int{
			contract.QueueScheduledJobs: 12,
			contract.QueueFailedJobs:    150,
		},
		errOn: contract.QueueWorkerLogs,
	}
	m := NewQueueMonitor(insp, time.Minute, 10, 100)

	m.poll(context.Background())

	for _, q := range monitoredQueues {
		if got := insp.called(q); got != 1 {
			t.Fatalf("queue %s polled %d times, want 1", q, got)
		}
	}
}

func TestQueueMonitor_RunStopsWhenContextEnds(t *testing.T) {
	insp := &fakeInspector{}
	m := NewQueueMonitor(insp, 5*time.Millisecond, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for insp.called(contract.QueueScheduledJobs) == 0 {
		select {
		case <-deadline:
			t.Fatal("monitor never polled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

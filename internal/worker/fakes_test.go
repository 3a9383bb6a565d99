package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/broker/rabbit"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// In-memory recorder and publisher fakes for runtime tests. The runtime is
// synchronous per delivery, so most assertions run after Handle returns.

type fakeRecorder struct {
	mu        sync.Mutex
	statuses  []contract.StatusUpdateMessage
	logs      []contract.LogMessage
	kicks     int
	statusErr error
}

func (r *fakeRecorder) RecordStatus(_ context.Context, m contract.StatusUpdateMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statusErr != nil {
		return r.statusErr
	}
	r.statuses = append(r.statuses, m)
	return nil
}

func (r *fakeRecorder) RecordLog(_ context.Context, m contract.LogMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, m)
	return nil
}

func (r *fakeRecorder) Kick() {
	r.mu.Lock()
	r.kicks++
	r.mu.Unlock()
}

func (r *fakeRecorder) allStatuses() []contract.StatusUpdateMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contract.StatusUpdateMessage{}, r.statuses...)
}

func (r *fakeRecorder) allLogs() []contract.LogMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contract.LogMessage{}, r.logs...)
}

func (r *fakeRecorder) lastStatus(t *testing.T) contract.StatusUpdateMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		t.Fatalf("no status recorded")
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *fakeRecorder) kickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kicks
}

type fakePresencePublisher struct {
	mu            sync.Mutex
	registrations []contract.RegistrationMessage
	beats         []contract.HeartbeatMessage
	regFailures   int
}

func (p *fakePresencePublisher) PublishRegistration(_ context.Context, m contract.RegistrationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.regFailures > 0 {
		p.regFailures--
		return domain.ErrUnavailable
	}
	p.registrations = append(p.registrations, m)
	return nil
}

func (p *fakePresencePublisher) PublishHeartbeat(_ context.Context, m contract.HeartbeatMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beats = append(p.beats, m)
	return nil
}

func (p *fakePresencePublisher) allBeats() []contract.HeartbeatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]contract.HeartbeatMessage{}, p.beats...)
}

func (p *fakePresencePublisher) allRegistrations() []contract.RegistrationMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]contract.RegistrationMessage{}, p.registrations...)
}

type fakeCancellationSource struct {
	mu         sync.Mutex
	ch         chan domain.CancellationRequest
	failures   int
	subscribes int
	stopCalls  int
}

func newFakeCancellationSource() *fakeCancellationSource {
	return &fakeCancellationSource{ch: make(chan domain.CancellationRequest, 8)}
}

func (s *fakeCancellationSource) SubscribeCancellations(_ domain.Context) (<-chan domain.CancellationRequest, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes++
	if s.failures > 0 {
		s.failures--
		return nil, nil, domain.ErrUnavailable
	}
	return s.ch, func() {
		s.mu.Lock()
		s.stopCalls++
		s.mu.Unlock()
	}, nil
}

func (s *fakeCancellationSource) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		AppEnv:                  "test",
		WorkerID:                "worker-tests",
		Version:                 "test",
		MaxParallelJobs:         4,
		ExecutionTimeoutSeconds: 0,
		Heartbeat: config.HeartbeatConfig{
			Enabled:                     false,
			IntervalSeconds:             1,
			JobHeartbeatIntervalSeconds: 1,
		},
	}
}

type runtimeFixture struct {
	rt  *Runtime
	rec *fakeRecorder
	reg *Registry
}

func newRuntimeFixture(t *testing.T, cfg config.WorkerConfig, handlers ...*Handler) *runtimeFixture {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(handlers...); err != nil {
		t.Fatalf("register handlers: %v", err)
	}
	rec := &fakeRecorder{}
	return &runtimeFixture{
		rt:  NewRuntime(cfg, cfg.WorkerID+"-1", reg, rec),
		rec: rec,
		reg: reg,
	}
}

func jobMessage(correlationID, handler, payload string) contract.JobMessage {
	return contract.JobMessage{
		JobID:         "job-1",
		CorrelationID: correlationID,
		JobName:       handler,
		JobData:       payload,
		JobVersion:    1,
		PublishedAt:   time.Now().UTC(),
	}
}

func jobDelivery(t *testing.T, msg contract.JobMessage) rabbit.Delivery {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal job message: %v", err)
	}
	return rabbit.Delivery{
		Body:          b,
		RoutingKey:    contract.JobRoutingKey("worker-tests"),
		CorrelationID: msg.CorrelationID,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

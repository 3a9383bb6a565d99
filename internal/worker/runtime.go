// Package worker is the consumer runtime of one worker fleet: it decodes job
// envelopes, runs registered handlers under the fleet's concurrency cap, and
// reports every occurrence transition back to the scheduler through the
// outbox. Handlers never touch the broker; the runtime owns acknowledgement.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/broker/rabbit"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// Runtime executes dispatched occurrences. One Runtime serves every consumer
// of the process; the slots channel caps parallel handler runs at the
// fleet-level maximum regardless of how many queues feed it.
type Runtime struct {
	workerID   string
	instanceID string
	cfg        config.WorkerConfig
	registry   *Registry
	recorder   Recorder

	slots chan struct{}

	mu       sync.Mutex
	inflight map[string]*run

	now func() time.Time
}

// run is the bookkeeping for one in-flight occurrence.
type run struct {
	correlationID string
	handlerName   string
	scope         *Scope
	startedAt     time.Time

	mu       sync.Mutex
	lastBeat time.Time
}

func (r *run) beat(at time.Time) {
	r.mu.Lock()
	r.lastBeat = at
	r.mu.Unlock()
}

func (r *run) lastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBeat
}

// runPolicy is the per-consumer execution policy: worker-local transient
// retries and an optional timeout override between the handler level and the
// worker default.
type runPolicy struct {
	maxRetries           int
	baseDelay            time.Duration
	executionTimeoutSecs int
}

func NewRuntime(cfg config.WorkerConfig, instanceID string, registry *Registry, recorder Recorder) *Runtime {
	return &Runtime{
		workerID:   cfg.WorkerID,
		instanceID: instanceID,
		cfg:        cfg,
		registry:   registry,
		recorder:   recorder,
		slots:      make(chan struct{}, cfg.MaxParallelJobs),
		inflight:   make(map[string]*run),
		now:        time.Now,
	}
}

// Handle is the consume callback for the default queue consumer.
func (r *Runtime) Handle(ctx context.Context, d rabbit.Delivery) error {
	return r.handle(ctx, d, runPolicy{})
}

// ConsumerHandle binds one custom consumer definition to the runtime. Its
// retry and timeout settings apply to every delivery of that consumer.
func (r *Runtime) ConsumerHandle(def config.ConsumerDefinition) rabbit.HandleFunc {
	pol := runPolicy{
		maxRetries:           def.MaxRetries,
		baseDelay:            time.Duration(def.BaseRetryDelaySeconds) * time.Second,
		executionTimeoutSecs: def.ExecutionTimeoutSeconds,
	}
	return func(ctx context.Context, d rabbit.Delivery) error {
		return r.handle(ctx, d, pol)
	}
}

func (r *Runtime) handle(ctx context.Context, d rabbit.Delivery, pol runPolicy) error {
	msg, err := contract.DecodeJobMessage(d.Body)
	if err != nil {
		slog.Warn("undecodable job message",
			slog.String("routing_key", d.RoutingKey),
			slog.String("correlation_id", d.CorrelationID),
			slog.Any("error", err))
		return domain.Poisoned(err)
	}

	handler, ok := r.registry.Resolve(msg.JobName)
	if !ok {
		r.reportMissingHandler(ctx, msg)
		return nil
	}

	// A context already gone means shutdown before work started; requeue so
	// another instance picks the message up.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.slots <- struct{}{}:
	}
	defer func() { <-r.slots }()

	return r.process(ctx, msg, handler, pol)
}

func (r *Runtime) process(ctx context.Context, msg contract.JobMessage, handler *Handler, pol runPolicy) error {
	started := r.now().UTC()
	timeout := r.effectiveTimeout(msg, handler, pol)

	// The run context deliberately does not descend from the consume context:
	// in-flight handlers drain on their own schedule during shutdown.
	base := context.WithoutCancel(ctx)
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, timeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}
	defer cancel()

	sc := newScope(msg.CorrelationID, r.workerID, r.instanceID, jobViewFrom(msg), r.recorder, base, cancel, r.now)
	rn := &run{
		correlationID: msg.CorrelationID,
		handlerName:   msg.JobName,
		scope:         sc,
		startedAt:     started,
		lastBeat:      started,
	}
	if !r.track(rn) {
		slog.Warn("occurrence already executing on this instance, dropping duplicate delivery",
			slog.String("correlation_id", msg.CorrelationID))
		return nil
	}
	defer r.untrack(msg.CorrelationID)

	observability.StartWorkerJob()
	r.reportStatus(ctx, contract.StatusUpdateMessage{
		CorrelationID:    msg.CorrelationID,
		JobID:            msg.JobID,
		WorkerID:         r.workerID,
		Status:           string(domain.OccurrenceRunning),
		StartTime:        &started,
		MessageTimestamp: started,
	})

	if r.cfg.Heartbeat.Enabled {
		stopBeats := r.startBeats(runCtx, rn)
		defer stopBeats()
	}

	result, err := r.executeWithRetries(runCtx, handler, sc, msg.JobData, pol)

	ended := r.now().UTC()
	update := r.terminalUpdate(msg, sc, started, ended, timeout, result, err)
	observability.FinishWorkerJob(update.Status)

	recErr := r.recorder.RecordStatus(context.WithoutCancel(ctx), update)
	r.recorder.Kick()
	if recErr != nil {
		if ctx.Err() != nil {
			// Shutting down with nowhere to park the status: requeue so the
			// redelivery re-runs the occurrence elsewhere.
			return ctx.Err()
		}
		slog.Error("terminal status not recorded, zombie sweep will recover the occurrence",
			slog.String("correlation_id", msg.CorrelationID),
			slog.String("status", update.Status),
			slog.Any("error", recErr))
	}
	return nil
}

// startBeats refreshes the run's heartbeat stamp until the run context ends.
// The presence loop folds the stamps into the instance heartbeat envelope.
func (r *Runtime) startBeats(runCtx context.Context, rn *run) func() {
	interval := r.cfg.Heartbeat.JobHeartbeatInterval()
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case at := <-t.C:
				rn.beat(at.UTC())
			}
		}
	}()
	return func() { close(done) }
}

// executeWithRetries runs the handler, re-executing it in place when it
// returns a transient error and the consumer policy grants retries. Delays
// double per attempt from the policy base.
func (r *Runtime) executeWithRetries(runCtx context.Context, handler *Handler, sc *Scope, payload string, pol runPolicy) (string, error) {
	result, err := runHandler(runCtx, handler, sc, payload)
	for attempt := 1; err != nil && domain.IsTransient(err) && attempt <= pol.maxRetries && runCtx.Err() == nil; attempt++ {
		delay := pol.baseDelay << (attempt - 1)
		observability.RecordLocalRetry()
		sc.Warn(fmt.Sprintf("transient failure, retrying in %s (attempt %d of %d): %v", delay, attempt, pol.maxRetries, err))
		select {
		case <-runCtx.Done():
			return "", runCtx.Err()
		case <-time.After(delay):
		}
		sc.attempt = attempt
		result, err = runHandler(runCtx, handler, sc, payload)
	}
	return result, err
}

// runHandler executes one attempt on its own goroutine so the runtime can
// abandon handlers that outlive the context: blocking handlers by contract,
// cancellable ones that ignore ctx as a safety net.
func runHandler(ctx context.Context, handler *Handler, sc *Scope, payload string) (string, error) {
	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: &domain.PanicError{Value: rec, StackTrace: string(debug.Stack())}}
			}
		}()
		result, err := handler.run(ctx, sc, payload)
		done <- outcome{result: result, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case o := <-done:
		return o.result, o.err
	}
}

// terminalUpdate classifies the handler outcome into the occurrence status
// the scheduler applies. Markers in the exception text drive the scheduler's
// retry classification, so they are part of the wire contract.
func (r *Runtime) terminalUpdate(msg contract.JobMessage, sc *Scope, started, ended time.Time, timeout time.Duration, result string, err error) contract.StatusUpdateMessage {
	durationMs := ended.Sub(started).Milliseconds()
	update := contract.StatusUpdateMessage{
		CorrelationID:    msg.CorrelationID,
		JobID:            msg.JobID,
		WorkerID:         r.workerID,
		StartTime:        &started,
		EndTime:          &ended,
		DurationMs:       &durationMs,
		MessageTimestamp: ended,
	}

	switch {
	case err == nil:
		update.Status = string(domain.OccurrenceCompleted)
		if result != "" {
			update.Result = &result
		}
	case domain.IsCancellation(err):
		reason := sc.reason()
		if reason == "" {
			reason = "cancelled"
		}
		update.Status = string(domain.OccurrenceCancelled)
		update.Exception = &reason
	case domain.IsTimeout(err):
		exc := "execution timed out"
		if timeout > 0 {
			exc = fmt.Sprintf("execution timed out after %s", timeout)
		}
		update.Status = string(domain.OccurrenceTimedOut)
		update.Exception = &exc
	case isPayloadError(err):
		exc := fmt.Sprintf("%s: %v", domain.InvalidDataExceptionMarker, err)
		update.Status = string(domain.OccurrenceFailed)
		update.Exception = &exc
	case domain.IsPanic(err):
		exc := panicException(err)
		update.Status = string(domain.OccurrenceFailed)
		update.Exception = &exc
	case domain.IsPermanent(err):
		exc := fmt.Sprintf("%s: %v", domain.PermanentExceptionMarker, err)
		update.Status = string(domain.OccurrenceFailed)
		update.Exception = &exc
	default:
		exc := err.Error()
		update.Status = string(domain.OccurrenceFailed)
		update.Exception = &exc
	}
	return update
}

const maxPanicStack = 4096

func panicException(err error) string {
	var p *domain.PanicError
	if !errors.As(err, &p) {
		return err.Error()
	}
	stack := p.StackTrace
	if len(stack) > maxPanicStack {
		stack = stack[:maxPanicStack]
	}
	return fmt.Sprintf("panic: %v\n%s", p.Value, stack)
}

// effectiveTimeout resolves the deadline for one run: the occurrence override
// wins, then the handler's own, then the consumer definition, then the worker
// default. Zero at any winning level disables the deadline.
func (r *Runtime) effectiveTimeout(msg contract.JobMessage, handler *Handler, pol runPolicy) time.Duration {
	seconds := r.cfg.ExecutionTimeoutSeconds
	switch {
	case msg.ExecutionTimeoutSeconds != nil:
		seconds = *msg.ExecutionTimeoutSeconds
	case handler.timeoutSeconds != nil:
		seconds = *handler.timeoutSeconds
	case pol.executionTimeoutSecs > 0:
		seconds = pol.executionTimeoutSecs
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// reportMissingHandler fails an occurrence dispatched to a fleet that never
// registered its handler. Retrying cannot fix a routing mismatch, so the
// exception carries the permanent marker.
func (r *Runtime) reportMissingHandler(ctx context.Context, msg contract.JobMessage) {
	now := r.now().UTC()
	exc := fmt.Sprintf("%s: no handler registered for %q on worker %s", domain.PermanentExceptionMarker, msg.JobName, r.workerID)
	slog.Error("no handler registered",
		slog.String("handler", msg.JobName),
		slog.String("correlation_id", msg.CorrelationID))
	r.reportStatus(ctx, contract.StatusUpdateMessage{
		CorrelationID:    msg.CorrelationID,
		JobID:            msg.JobID,
		WorkerID:         r.workerID,
		Status:           string(domain.OccurrenceFailed),
		Exception:        &exc,
		EndTime:          &now,
		MessageTimestamp: now,
	})
}

func (r *Runtime) reportStatus(ctx context.Context, m contract.StatusUpdateMessage) {
	if err := r.recorder.RecordStatus(context.WithoutCancel(ctx), m); err != nil {
		slog.Error("status not recorded",
			slog.String("correlation_id", m.CorrelationID),
			slog.String("status", m.Status),
			slog.Any("error", err))
		return
	}
	r.recorder.Kick()
}

func (r *Runtime) track(rn *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inflight[rn.correlationID]; exists {
		return false
	}
	r.inflight[rn.correlationID] = rn
	return true
}

func (r *Runtime) untrack(correlationID string) {
	r.mu.Lock()
	delete(r.inflight, correlationID)
	r.mu.Unlock()
}

// Cancel cancels a local in-flight occurrence. It returns false when the
// occurrence is not executing on this instance.
func (r *Runtime) Cancel(correlationID, reason string) bool {
	r.mu.Lock()
	rn, ok := r.inflight[correlationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	rn.scope.markCancelled(reason)
	return true
}

// CancelAll cancels every in-flight occurrence, used when the shutdown grace
// period expires.
func (r *Runtime) CancelAll(reason string) {
	r.mu.Lock()
	runs := make([]*run, 0, len(r.inflight))
	for _, rn := range r.inflight {
		runs = append(runs, rn)
	}
	r.mu.Unlock()
	for _, rn := range runs {
		rn.scope.markCancelled(reason)
	}
}

// InflightCount returns the number of occurrences currently executing.
func (r *Runtime) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// MaxParallelJobs returns the fleet-level concurrency cap.
func (r *Runtime) MaxParallelJobs() int { return r.cfg.MaxParallelJobs }

// Jobs snapshots the in-flight occurrences for the heartbeat envelope.
func (r *Runtime) Jobs() []contract.JobHeartbeat {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]contract.JobHeartbeat, 0, len(r.inflight))
	for _, rn := range r.inflight {
		jobs = append(jobs, contract.JobHeartbeat{
			CorrelationID: rn.correlationID,
			LastHeartbeat: rn.lastHeartbeat(),
		})
	}
	return jobs
}

// Drain blocks until every in-flight occurrence finishes or ctx ends.
func (r *Runtime) Drain(ctx context.Context) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if r.InflightCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

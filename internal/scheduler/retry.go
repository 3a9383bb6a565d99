package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// retryRequest is one delayed republish waiting for its timer.
type retryRequest struct {
	jobID string
	// retryCount is the count the fresh occurrence will carry.
	retryCount int
	// origin classifies the failure chain if it ends in the dead-letter
	// projection.
	origin domain.FailureType
}

// RetryEngine decides what happens after a failed attempt: a delayed fresh
// occurrence while retries remain, or the dead-letter projection once they
// run out or the failure is permanent. Delays run on timers feeding a channel
// drained by Run, so republishes execute under a live context.
type RetryEngine struct {
	policy      domain.RetryPolicy
	jobs        domain.JobStore
	occurrences domain.OccurrenceStore
	failed      domain.FailedOccurrenceStore
	dlq         domain.DLQPublisher
	kv          domain.KV
	launcher    *Launcher
	now         func() time.Time

	pending chan retryRequest
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	closed  bool
}

// NewRetryEngine wires the engine. The launcher is set separately because the
// two reference each other.
func NewRetryEngine(policy domain.RetryPolicy, jobs domain.JobStore, occurrences domain.OccurrenceStore, failed domain.FailedOccurrenceStore, dlq domain.DLQPublisher, kv domain.KV) *RetryEngine {
	return &RetryEngine{
		policy:      policy,
		jobs:        jobs,
		occurrences: occurrences,
		failed:      failed,
		dlq:         dlq,
		kv:          kv,
		now:         func() time.Time { return time.Now().UTC() },
		pending:     make(chan retryRequest, 64),
		timers:      make(map[*time.Timer]struct{}),
	}
}

// SetLauncher injects the launch path used for republishes.
func (e *RetryEngine) SetLauncher(l *Launcher) { e.launcher = l }

// Run drains matured retry requests until ctx ends. Timers still pending at
// shutdown are dropped; their occurrences stay terminal with retries unused.
func (e *RetryEngine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.stopTimers()
			return ctx.Err()
		case req := <-e.pending:
			e.republish(ctx, req)
		}
	}
}

func (e *RetryEngine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = map[*time.Timer]struct{}{}
}

// HandleTerminal is the hook for Failed and TimedOut occurrences. origin may
// carry the caller's knowledge of the failure source (publish failures pass
// ExternalDependencyFailure); pass FailureUnknown when the status update is
// all there is.
func (e *RetryEngine) HandleTerminal(ctx domain.Context, job domain.Job, occ domain.Occurrence, origin domain.FailureType) {
	exception := ""
	if occ.Exception != nil {
		exception = *occ.Exception
	}
	permanent := domain.IsPermanentExceptionText(exception)
	retryable := occ.Status == domain.OccurrenceFailed || occ.Status == domain.OccurrenceTimedOut
	if retryable && !permanent && !e.policy.Exhausted(occ.RetryCount) {
		e.scheduleRetry(job.ID, occ, origin)
		return
	}
	e.Project(ctx, occ, e.classify(occ, exception, permanent, origin), exception)
}

// classify picks the dead-letter failure type. Permanent markers and timeouts
// speak for themselves; otherwise the caller's origin wins, then exhaustion.
func (e *RetryEngine) classify(occ domain.Occurrence, exception string, permanent bool, origin domain.FailureType) domain.FailureType {
	switch {
	case permanent:
		return domain.ClassifyPermanent(exception)
	case occ.Status == domain.OccurrenceTimedOut:
		return domain.FailureTimeout
	case origin != "" && origin != domain.FailureUnknown:
		return origin
	case occ.Status == domain.OccurrenceFailed && e.policy.Exhausted(occ.RetryCount):
		return domain.FailureMaxRetriesExceeded
	default:
		return domain.ClassifyTerminal(occ.Status, exception)
	}
}

// scheduleRetry arms a timer for the next attempt.
func (e *RetryEngine) scheduleRetry(jobID string, occ domain.Occurrence, origin domain.FailureType) {
	delay := e.policy.NextDelay(occ.RetryCount)
	req := retryRequest{jobID: jobID, retryCount: occ.RetryCount + 1, origin: origin}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, timer)
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		select {
		case e.pending <- req:
		default:
			slog.Warn("retry queue full, dropping republish", slog.String("job_id", req.jobID))
		}
	})
	e.timers[timer] = struct{}{}
	e.mu.Unlock()

	observability.RecordRetryScheduled()
	slog.Info("retry scheduled",
		slog.String("job_id", jobID),
		slog.String("occurrence_id", occ.ID),
		slog.Int("attempt", occ.RetryCount+1),
		slog.Duration("delay", delay))
}

// republish launches the retry occurrence after re-checking the job is still
// active and, under Skip policy, still idle. A launch failure feeds straight
// back into HandleTerminal, so a dead broker exhausts retries instead of
// looping forever.
func (e *RetryEngine) republish(ctx context.Context, req retryRequest) {
	job, err := e.jobs.Get(ctx, req.jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Info("retry dropped, job deleted", slog.String("job_id", req.jobID))
			return
		}
		slog.Warn("retry job load failed", slog.String("job_id", req.jobID), slog.Any("error", err))
		return
	}
	if !job.IsActive {
		slog.Info("retry dropped, job disabled", slog.String("job_id", req.jobID))
		return
	}
	if job.Policy == domain.PolicySkip {
		if _, running, rerr := e.kv.RunningOccurrence(ctx, job.ID); rerr == nil && running {
			slog.Info("retry dropped, job already running under Skip policy", slog.String("job_id", req.jobID))
			return
		}
		if n, cerr := e.occurrences.CountNonTerminal(ctx, job.ID); cerr == nil && n > 0 {
			slog.Info("retry dropped, job already queued under Skip policy", slog.String("job_id", req.jobID))
			return
		}
	}
	occ, err := e.launcher.Launch(ctx, job, req.retryCount)
	if err != nil {
		slog.Error("retry republish failed",
			slog.String("job_id", req.jobID),
			slog.Int("attempt", req.retryCount),
			slog.Any("error", err))
		if occ.ID != "" {
			e.HandleTerminal(ctx, job, occ, domain.FailureExternalDependency)
		}
	}
}

// Project writes the dead-letter row and publishes its envelope. The row is
// the source of truth; a publish failure is logged, never fatal.
func (e *RetryEngine) Project(ctx domain.Context, occ domain.Occurrence, ftype domain.FailureType, exception string) {
	row := domain.FailedOccurrence{
		ID:           domain.NewOccurrenceID(),
		JobID:        occ.JobID,
		OccurrenceID: occ.ID,
		Exception:    exception,
		RetryCount:   occ.RetryCount,
		FailureType:  ftype,
		Resolved:     false,
		CreatedAt:    e.now(),
	}
	if err := e.failed.Create(ctx, row); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Row already projected for this occurrence.
			return
		}
		slog.Error("dead-letter row insert failed",
			slog.String("occurrence_id", occ.ID), slog.Any("error", err))
		return
	}
	observability.RecordDLQMessage(string(ftype))
	if err := e.dlq.PublishFailedOccurrence(ctx, row); err != nil {
		slog.Warn("dead-letter publish failed, row kept",
			slog.String("occurrence_id", occ.ID), slog.Any("error", err))
	}
	slog.Warn("occurrence dead-lettered",
		slog.String("job_id", occ.JobID),
		slog.String("occurrence_id", occ.ID),
		slog.String("failure_type", string(ftype)),
		slog.Int("retry_count", occ.RetryCount))
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// runningSlack pads the running-marker TTL past the worst-case execution so
// the marker outlives a healthy occurrence but not a dead one by much.
const runningSlack = time.Minute

// Launcher is the one path an occurrence takes onto the wire. The dispatcher
// tick, manual triggers and retry republishes all funnel through it so
// persistence, events, publish confirmation and the running marker stay in
// lockstep.
type Launcher struct {
	occurrences   domain.OccurrenceStore
	publisher     domain.JobPublisher
	kv            domain.KV
	events        domain.EventSink
	zombieTimeout time.Duration
	now           func() time.Time
}

// NewLauncher wires a Launcher. zombieTimeout is the global fallback used to
// size running-marker TTLs when the job carries no override.
func NewLauncher(occurrences domain.OccurrenceStore, publisher domain.JobPublisher, kv domain.KV, events domain.EventSink, zombieTimeout time.Duration) *Launcher {
	return &Launcher{
		occurrences:   occurrences,
		publisher:     publisher,
		kv:            kv,
		events:        events,
		zombieTimeout: zombieTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Launch creates a Queued occurrence for the job, persists it, publishes the
// envelope and waits for the broker confirm, then sets the running marker.
// On publish failure the occurrence is transitioned to Failed and returned
// alongside a transient error; the retry engine takes it from there.
func (l *Launcher) Launch(ctx domain.Context, job domain.Job, retryCount int) (domain.Occurrence, error) {
	now := l.now()
	occ := domain.Occurrence{
		ID:                   domain.NewOccurrenceID(),
		JobID:                job.ID,
		WorkerID:             job.WorkerID,
		HandlerName:          job.HandlerName,
		JobVersion:           job.Version,
		Status:               domain.OccurrenceQueued,
		RetryCount:           retryCount,
		ZombieTimeoutMinutes: job.ZombieTimeoutMinutes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := l.occurrences.Create(ctx, occ); err != nil {
		return domain.Occurrence{}, fmt.Errorf("op=scheduler.Launch: %w", err)
	}
	if err := l.events.OccurrenceCreated(ctx, occ); err != nil {
		slog.Warn("occurrence event emit failed", slog.String("occurrence_id", occ.ID), slog.Any("error", err))
	}
	if err := l.publisher.PublishJob(ctx, job, occ, contract.JobRoutingKey(job.WorkerID)); err != nil {
		exc := fmt.Sprintf("publish failed: %v", err)
		failed, _, applyErr := l.occurrences.ApplyStatus(ctx, domain.StatusUpdate{
			OccurrenceID: occ.ID,
			Status:       domain.OccurrenceFailed,
			Exception:    &exc,
			At:           l.now(),
		})
		if applyErr != nil {
			slog.Error("failed to mark unpublished occurrence",
				slog.String("occurrence_id", occ.ID), slog.Any("error", applyErr))
			failed = occ
		} else if evErr := l.events.OccurrenceUpdated(ctx, failed); evErr != nil {
			slog.Warn("occurrence event emit failed", slog.String("occurrence_id", occ.ID), slog.Any("error", evErr))
		}
		observability.RecordJobDispatched("publish_failed")
		return failed, domain.Transient(fmt.Errorf("op=scheduler.Launch: %w", err))
	}
	if err := l.kv.MarkRunning(ctx, job.ID, occ.ID, l.runningTTL(job)); err != nil {
		slog.Warn("running marker not set", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.RecordJobDispatched("published")
	return occ, nil
}

// runningTTL covers the queue wait plus the longest plausible execution.
func (l *Launcher) runningTTL(j domain.Job) time.Duration {
	ttl := l.zombieTimeout
	if j.ZombieTimeoutMinutes != nil {
		ttl = time.Duration(*j.ZombieTimeoutMinutes) * time.Minute
	}
	if j.ExecutionTimeoutSeconds != nil {
		if exec := time.Duration(*j.ExecutionTimeoutSeconds) * time.Second; exec > ttl {
			ttl = exec
		}
	}
	return ttl + runningSlack
}

// Dispatcher is the leader-elected dispatch loop. Exactly one instance across
// the fleet holds the lease; the rest poll for it. Within the process the
// tick is single-threaded.
type Dispatcher struct {
	cfg        config.DispatcherConfig
	instanceID string

	jobs        domain.JobStore
	occurrences domain.OccurrenceStore
	kv          domain.KV
	launcher    *Launcher
	retry       *RetryEngine
	maintainer  *Maintainer

	leader bool
	now    func() time.Time
}

// NewDispatcher wires the dispatch loop over its collaborators.
func NewDispatcher(cfg config.DispatcherConfig, instanceID string, jobs domain.JobStore, occurrences domain.OccurrenceStore, kv domain.KV, launcher *Launcher, retry *RetryEngine, maintainer *Maintainer) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		instanceID:  instanceID,
		jobs:        jobs,
		occurrences: occurrences,
		kv:          kv,
		launcher:    launcher,
		retry:       retry,
		maintainer:  maintainer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Leader reports whether this instance currently holds the dispatch lease.
func (d *Dispatcher) Leader() bool { return d.leader }

// Run drives the poll loop until ctx ends. The leader lease is not released
// on exit; it expires on its own TTL and another instance picks it up.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher loop starting",
		slog.String("instance_id", d.instanceID),
		slog.Duration("polling_interval", d.cfg.PollingInterval()))
	ticker := time.NewTicker(d.cfg.PollingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if d.leader {
				d.leader = false
				observability.SetDispatcherLeader(false)
			}
			return ctx.Err()
		case <-ticker.C:
			d.step(ctx)
		}
	}
}

// step does leadership housekeeping, honors the emergency stop, then ticks.
func (d *Dispatcher) step(ctx context.Context) {
	if !d.leader {
		ok, err := d.kv.AcquireLeadership(ctx, d.instanceID, d.cfg.LeaderTTL())
		if err != nil {
			slog.Warn("leadership acquire failed", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		d.leader = true
		observability.SetDispatcherLeader(true)
		slog.Info("dispatcher leadership acquired", slog.String("instance_id", d.instanceID))
		if d.cfg.EnableStartupRecovery {
			d.recover(ctx)
		}
	} else {
		ok, err := d.kv.RenewLeadership(ctx, d.instanceID, d.cfg.LeaderTTL())
		if err != nil || !ok {
			d.leader = false
			observability.SetDispatcherLeader(false)
			slog.Warn("dispatcher leadership lost", slog.String("instance_id", d.instanceID), slog.Any("error", err))
			return
		}
	}
	disabled, err := d.kv.DispatcherDisabled(ctx)
	if err != nil {
		slog.Warn("dispatcher control read failed", slog.Any("error", err))
		observability.RecordDispatchTick("error")
		return
	}
	if disabled {
		observability.RecordDispatchTick("disabled")
		return
	}
	d.tick(ctx)
}

// tick drains one batch of due jobs.
func (d *Dispatcher) tick(ctx context.Context) {
	tr := otel.Tracer("scheduler.dispatcher")
	ctx, span := tr.Start(ctx, "dispatcher.tick")
	defer span.End()

	now := d.now()
	ids, err := d.kv.DueJobIDs(ctx, now, int64(d.cfg.BatchSize))
	if err != nil {
		span.RecordError(err)
		slog.Error("due set read failed", slog.Any("error", err))
		observability.RecordDispatchTick("error")
		return
	}
	var dispatched, skipped, failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		switch d.dispatchOne(ctx, id, now) {
		case dispatchLaunched:
			dispatched++
		case dispatchSkipped:
			skipped++
		case dispatchFailed:
			failed++
		}
	}
	span.SetAttributes(
		attribute.Int("due.count", len(ids)),
		attribute.Int("dispatched", dispatched),
		attribute.Int("skipped", skipped),
		attribute.Int("failed", failed),
	)
	observability.RecordDispatchTick("ok")
	if len(ids) > 0 {
		slog.Debug("dispatch tick",
			slog.Int("due", len(ids)),
			slog.Int("dispatched", dispatched),
			slog.Int("skipped", skipped),
			slog.Int("failed", failed))
	}
}

type dispatchOutcome int

const (
	dispatchLaunched dispatchOutcome = iota
	dispatchSkipped
	dispatchFailed
)

// dispatchOne handles a single due job id under its per-job lock. Errors
// abort this job only; the due entry stays for the next tick unless the job
// turned out to be gone.
func (d *Dispatcher) dispatchOne(ctx context.Context, jobID string, now time.Time) dispatchOutcome {
	job, err := d.loadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Row deleted under a stale due entry; drop it.
			if uerr := d.kv.UnscheduleJob(ctx, jobID, true); uerr != nil {
				slog.Warn("stale due entry not removed", slog.String("job_id", jobID), slog.Any("error", uerr))
			}
			return dispatchSkipped
		}
		slog.Warn("job load failed, leaving due entry", slog.String("job_id", jobID), slog.Any("error", err))
		return dispatchFailed
	}

	token, ok, err := d.kv.AcquireLock(ctx, jobID, d.cfg.LockTTL())
	if err != nil {
		slog.Warn("job lock acquire failed", slog.String("job_id", jobID), slog.Any("error", err))
		return dispatchFailed
	}
	if !ok {
		// Another instance mid-flight on this job.
		return dispatchSkipped
	}
	defer func() {
		if rerr := d.kv.ReleaseLock(ctx, jobID, token); rerr != nil {
			slog.Warn("job lock release failed", slog.String("job_id", jobID), slog.Any("error", rerr))
		}
	}()

	if !job.IsActive {
		if err := d.kv.UnscheduleJob(ctx, jobID, false); err != nil {
			slog.Warn("inactive job not removed from due set", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return dispatchSkipped
	}

	if job.Policy == domain.PolicySkip {
		busy, err := d.jobBusy(ctx, job.ID)
		if err != nil {
			slog.Warn("concurrency check failed", slog.String("job_id", jobID), slog.Any("error", err))
			return dispatchFailed
		}
		if busy {
			d.noteSkip(ctx, job, now)
			if _, err := d.maintainer.AdvanceCron(ctx, job, now); err != nil {
				slog.Warn("cron advance failed after skip", slog.String("job_id", jobID), slog.Any("error", err))
			}
			observability.RecordJobDispatched("skipped")
			return dispatchSkipped
		}
	}

	occ, err := d.launcher.Launch(ctx, job, 0)
	if err != nil {
		slog.Error("dispatch failed",
			slog.String("job_id", jobID),
			slog.String("occurrence_id", occ.ID),
			slog.Any("error", err))
		if occ.ID != "" {
			d.retry.HandleTerminal(ctx, job, occ, domain.FailureExternalDependency)
		}
		// Fall through to cron advance: a broken broker must not freeze the
		// schedule, and the retry engine owns this occurrence now.
	}
	if _, aerr := d.maintainer.AdvanceCron(ctx, job, now); aerr != nil {
		slog.Warn("cron advance failed", slog.String("job_id", jobID), slog.Any("error", aerr))
	}
	if err != nil {
		return dispatchFailed
	}
	return dispatchLaunched
}

// loadJob reads cache-first with a store fallback.
func (d *Dispatcher) loadJob(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok, err := d.kv.CachedJob(ctx, jobID)
	if err == nil && ok {
		return job, nil
	}
	if err != nil {
		slog.Debug("job cache read failed, falling back to store", slog.String("job_id", jobID), slog.Any("error", err))
	}
	job, err = d.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if rerr := d.kv.RefreshCache(ctx, job); rerr != nil {
		slog.Debug("job cache refresh failed", slog.String("job_id", jobID), slog.Any("error", rerr))
	}
	return job, nil
}

// jobBusy applies the Skip policy test: a live running marker or any
// non-terminal occurrence blocks a new launch.
func (d *Dispatcher) jobBusy(ctx context.Context, jobID string) (bool, error) {
	if _, running, err := d.kv.RunningOccurrence(ctx, jobID); err != nil {
		return false, err
	} else if running {
		return true, nil
	}
	n, err := d.occurrences.CountNonTerminal(ctx, jobID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// noteSkip appends an informational entry to the occurrence that caused the
// suppression, so the overlap is visible in that occurrence's log trail.
func (d *Dispatcher) noteSkip(ctx context.Context, job domain.Job, now time.Time) {
	occ, err := d.occurrences.LatestNonTerminal(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("skip note lookup failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		return
	}
	entry := domain.OccurrenceLog{
		OccurrenceID: occ.ID,
		Timestamp:    now,
		Level:        "Information",
		Message:      fmt.Sprintf("fire suppressed: job %s is already running or queued and its policy is Skip", job.ID),
		Category:     "Scheduler",
	}
	if err := d.occurrences.AppendLog(ctx, entry); err != nil {
		slog.Warn("skip note append failed", slog.String("occurrence_id", occ.ID), slog.Any("error", err))
	}
}

// recover runs once per leadership acquisition: it sizes the due backlog and
// feeds long-stale running markers to the zombie pipeline. Normal dispatch
// drains the backlog by itself.
func (d *Dispatcher) recover(ctx context.Context) {
	now := d.now()
	backlog, err := d.kv.DueJobIDs(ctx, now.Add(-d.cfg.PollingInterval()), int64(d.cfg.BatchSize))
	if err != nil {
		slog.Warn("startup recovery: due backlog read failed", slog.Any("error", err))
	} else if len(backlog) > 0 {
		slog.Info("startup recovery: due backlog found", slog.Int("count", len(backlog)))
	}
	stale, err := d.kv.StaleRunningMarkers(ctx, d.launcher.zombieTimeout+runningSlack)
	if err != nil {
		slog.Warn("startup recovery: stale marker scan failed", slog.Any("error", err))
		return
	}
	for jobID, occID := range stale {
		slog.Warn("startup recovery: clearing stale running marker",
			slog.String("job_id", jobID), slog.String("occurrence_id", occID))
		if err := d.kv.ClearRunning(ctx, jobID); err != nil {
			slog.Warn("startup recovery: marker clear failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
}

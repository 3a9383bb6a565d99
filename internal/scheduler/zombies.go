package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// queuedScanFloor is the oldest a Queued occurrence may be before the sweep
// even considers it. Effective timeouts are at least one minute, so anything
// younger cannot be expired regardless of overrides.
const queuedScanFloor = time.Minute

// ZombieDetector reaps occurrences the normal pipeline lost: Queued rows
// nobody picked up and Running rows whose worker stopped heartbeating.
// Queued zombies fail outright; Running zombies land in Unknown because the
// true outcome cannot be known.
type ZombieDetector struct {
	cfg         config.ZombieConfig
	jobs        domain.JobStore
	occurrences domain.OccurrenceStore
	kv          domain.KV
	events      domain.EventSink
	autoDisable *AutoDisabler
	retry       *RetryEngine
	now         func() time.Time
}

// NewZombieDetector wires the sweeper.
func NewZombieDetector(cfg config.ZombieConfig, jobs domain.JobStore, occurrences domain.OccurrenceStore, kv domain.KV, events domain.EventSink, autoDisable *AutoDisabler, retry *RetryEngine) *ZombieDetector {
	return &ZombieDetector{
		cfg:         cfg,
		jobs:        jobs,
		occurrences: occurrences,
		kv:          kv,
		events:      events,
		autoDisable: autoDisable,
		retry:       retry,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately, then on every interval until ctx ends.
func (z *ZombieDetector) Run(ctx context.Context) error {
	slog.Info("zombie detector starting",
		slog.Duration("sweep_interval", z.cfg.SweepInterval()),
		slog.Duration("queued_timeout", z.cfg.Timeout()),
		slog.Duration("heartbeat_stale_threshold", z.cfg.HeartbeatStaleThreshold()))
	z.sweepOnce(ctx)
	ticker := time.NewTicker(z.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			z.sweepOnce(ctx)
		}
	}
}

func (z *ZombieDetector) sweepOnce(ctx context.Context) {
	tr := otel.Tracer("scheduler.zombies")
	ctx, span := tr.Start(ctx, "zombies.sweep")
	defer span.End()

	queued := z.sweepQueued(ctx)
	stale := z.sweepRunning(ctx)
	span.SetAttributes(
		attribute.Int("queued_reaped", queued),
		attribute.Int("running_reaped", stale),
	)
	if queued+stale > 0 {
		slog.Warn("zombie sweep reaped occurrences",
			slog.Int("queued", queued),
			slog.Int("running", stale))
	}
}

// sweepQueued fails Queued occurrences older than their effective timeout
// (occurrence override, else job override, else the global default). The
// list is oldest-first, so expired rows cannot hide behind younger ones at
// the batch boundary.
func (z *ZombieDetector) sweepQueued(ctx context.Context) int {
	now := z.now()
	candidates, err := z.occurrences.ListQueuedBefore(ctx, now.Add(-queuedScanFloor), z.cfg.SweepBatchSize)
	if err != nil {
		slog.Warn("zombie sweep: queued scan failed", slog.Any("error", err))
		return 0
	}
	reaped := 0
	for _, occ := range candidates {
		if ctx.Err() != nil {
			return reaped
		}
		job, jerr := z.loadJob(ctx, occ.JobID)
		timeout := z.effectiveTimeout(occ, job, jerr == nil)
		if now.Sub(occ.CreatedAt) < timeout {
			continue
		}
		exc := fmt.Sprintf("zombie detection: occurrence queued for more than %s without starting", timeout)
		next, applied, err := z.occurrences.ApplyStatus(ctx, domain.StatusUpdate{
			OccurrenceID: occ.ID,
			Status:       domain.OccurrenceFailed,
			Exception:    &exc,
			At:           now,
		})
		if err != nil || !applied {
			// Raced a real transition; the occurrence is no longer stuck.
			continue
		}
		z.finishReaped(ctx, next)
		if jerr == nil {
			z.autoDisable.RecordFailure(ctx, job, now)
		}
		z.retry.Project(ctx, next, domain.FailureZombieDetection, exc)
		observability.RecordZombie(string(domain.FailureZombieDetection))
		reaped++
	}
	return reaped
}

// loadJob reads cache-first; sweeps run often enough that a store round trip
// per candidate would add up.
func (z *ZombieDetector) loadJob(ctx context.Context, jobID string) (domain.Job, error) {
	if job, ok, err := z.kv.CachedJob(ctx, jobID); err == nil && ok {
		return job, nil
	}
	return z.jobs.Get(ctx, jobID)
}

// sweepRunning moves Running occurrences with stale heartbeats to Unknown.
// The projection tells WorkerCrash from ZombieDetection by whether any
// instance of that worker is still beating.
func (z *ZombieDetector) sweepRunning(ctx context.Context) int {
	now := z.now()
	stale, err := z.occurrences.ListRunningStale(ctx, now.Add(-z.cfg.HeartbeatStaleThreshold()), z.cfg.SweepBatchSize)
	if err != nil {
		slog.Warn("zombie sweep: running scan failed", slog.Any("error", err))
		return 0
	}
	reaped := 0
	for _, occ := range stale {
		if ctx.Err() != nil {
			return reaped
		}
		exc := fmt.Sprintf("zombie detection: no heartbeat for more than %s while Running", z.cfg.HeartbeatStaleThreshold())
		next, applied, err := z.occurrences.ApplyStatus(ctx, domain.StatusUpdate{
			OccurrenceID: occ.ID,
			Status:       domain.OccurrenceUnknown,
			Exception:    &exc,
			At:           now,
		})
		if err != nil || !applied {
			continue
		}
		z.finishReaped(ctx, next)

		ftype := domain.FailureZombieDetection
		instances, ierr := z.kv.LiveInstances(ctx, occ.WorkerID)
		if ierr != nil {
			slog.Warn("zombie sweep: instance liveness check failed",
				slog.String("worker_id", occ.WorkerID), slog.Any("error", ierr))
		}
		if ierr == nil && len(instances) == 0 {
			ftype = domain.FailureWorkerCrash
		}
		z.retry.Project(ctx, next, ftype, exc)
		observability.RecordZombie(string(ftype))
		reaped++
	}
	return reaped
}

// finishReaped mirrors the lifecycle's terminal side effects for sweeps,
// which bypass the status-update pipeline on purpose: a reaped occurrence
// must not re-enter the retry engine's back-off path.
func (z *ZombieDetector) finishReaped(ctx context.Context, occ domain.Occurrence) {
	if err := z.kv.ClearRunning(ctx, occ.JobID); err != nil {
		slog.Warn("running marker clear failed", slog.String("job_id", occ.JobID), slog.Any("error", err))
	}
	observability.RecordTransition(string(occ.Status))
	if err := z.events.OccurrenceUpdated(ctx, occ); err != nil {
		slog.Warn("occurrence event emit failed", slog.String("occurrence_id", occ.ID), slog.Any("error", err))
	}
}

// effectiveTimeout resolves occurrence override, then job override, then the
// global default.
func (z *ZombieDetector) effectiveTimeout(occ domain.Occurrence, job domain.Job, jobLoaded bool) time.Duration {
	if occ.ZombieTimeoutMinutes != nil {
		return time.Duration(*occ.ZombieTimeoutMinutes) * time.Minute
	}
	if jobLoaded && job.ZombieTimeoutMinutes != nil {
		return time.Duration(*job.ZombieTimeoutMinutes) * time.Minute
	}
	return z.cfg.Timeout()
}

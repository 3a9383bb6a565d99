// Package scheduler contains the control-plane services: due-set
// maintenance, the leader-elected dispatcher, occurrence lifecycle, the retry
// and dead-letter engine, zombie sweeps, auto-disable and the worker
// registry.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
	"github.com/Milvasoft/milvaion-sub004/pkg/cronx"
)

// Maintainer keeps job rows, the due set and the job cache aligned. Every
// definition change funnels through it so the dispatcher only ever sees
// consistent schedule state.
type Maintainer struct {
	jobs        domain.JobStore
	occurrences domain.OccurrenceStore
	kv          domain.KV
	notifier    domain.Notifier
	// rejectSubMinute turns seconds-level cron expressions into a validation
	// error instead of accepting them.
	rejectSubMinute bool
	now             func() time.Time
}

// NewMaintainer wires a Maintainer over its ports.
func NewMaintainer(jobs domain.JobStore, occurrences domain.OccurrenceStore, kv domain.KV, notifier domain.Notifier, rejectSubMinute bool) *Maintainer {
	return &Maintainer{
		jobs:            jobs,
		occurrences:     occurrences,
		kv:              kv,
		notifier:        notifier,
		rejectSubMinute: rejectSubMinute,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// ValidateDefinition rejects definitions the dispatcher could not act on.
func (m *Maintainer) ValidateDefinition(j domain.Job) error {
	if j.Name == "" {
		return fmt.Errorf("op=scheduler.ValidateDefinition: name required: %w", domain.ErrInvalidArgument)
	}
	if j.HandlerName == "" {
		return fmt.Errorf("op=scheduler.ValidateDefinition: handler name required: %w", domain.ErrInvalidArgument)
	}
	if j.ExecuteAt == nil && j.CronExpression == "" {
		return fmt.Errorf("op=scheduler.ValidateDefinition: one of executeAt or cronExpression required: %w", domain.ErrInvalidArgument)
	}
	if j.CronExpression != "" {
		if err := cronx.Validate(j.CronExpression, !m.rejectSubMinute); err != nil {
			return fmt.Errorf("op=scheduler.ValidateDefinition: %s: %w", err.Error(), domain.ErrInvalidArgument)
		}
	}
	if j.Payload != "" && !json.Valid([]byte(j.Payload)) {
		return fmt.Errorf("op=scheduler.ValidateDefinition: payload is not valid JSON: %w", domain.ErrInvalidArgument)
	}
	switch j.Policy {
	case domain.PolicySkip, domain.PolicyQueue:
	default:
		return fmt.Errorf("op=scheduler.ValidateDefinition: unknown concurrent policy %q: %w", j.Policy, domain.ErrInvalidArgument)
	}
	if j.ExecutionTimeoutSeconds != nil && *j.ExecutionTimeoutSeconds < 0 {
		return fmt.Errorf("op=scheduler.ValidateDefinition: executionTimeoutSeconds must be >= 0: %w", domain.ErrInvalidArgument)
	}
	if j.ZombieTimeoutMinutes != nil && *j.ZombieTimeoutMinutes < 1 {
		return fmt.Errorf("op=scheduler.ValidateDefinition: zombieTimeoutMinutes must be >= 1: %w", domain.ErrInvalidArgument)
	}
	if j.AutoDisable.Threshold != nil && *j.AutoDisable.Threshold < 1 {
		return fmt.Errorf("op=scheduler.ValidateDefinition: autoDisable threshold must be >= 1: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// FirstFire computes the initial firing of a job created or re-enabled now.
// One-time timestamps in the past or within the immediate window collapse to
// now so the next tick picks them up.
func (m *Maintainer) FirstFire(j domain.Job, now time.Time) (time.Time, error) {
	if j.ExecuteAt != nil {
		return cronx.NormalizeExecuteAt(*j.ExecuteAt, now), nil
	}
	next, err := cronx.Next(j.CronExpression, now)
	if err != nil {
		return time.Time{}, err
	}
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("op=scheduler.FirstFire: cron %q has no future firings: %w", j.CronExpression, domain.ErrInvalidArgument)
	}
	return next, nil
}

// Create validates and persists a new job, then inserts it into the due set
// when active. The row is written before the coordination state so a crash in
// between leaves a job that can be re-activated, never a due entry without a
// row.
func (m *Maintainer) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = domain.NewJobID()
	}
	if j.Policy == "" {
		j.Policy = domain.PolicySkip
	}
	if err := m.ValidateDefinition(j); err != nil {
		return domain.Job{}, err
	}
	now := m.now()
	j.Version = 1
	j.ConsecutiveFailures = 0
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.ExecuteAt != nil {
		t := j.ExecuteAt.UTC()
		j.ExecuteAt = &t
	}
	if err := m.jobs.Create(ctx, j); err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.Create: %w", err)
	}
	if j.IsActive {
		fire, err := m.FirstFire(j, now)
		if err != nil {
			return domain.Job{}, err
		}
		if err := m.kv.ScheduleJob(ctx, j, fire); err != nil {
			return domain.Job{}, fmt.Errorf("op=scheduler.Create: job %s stored but not scheduled: %w", j.ID, err)
		}
	}
	return j, nil
}

// Update persists a changed definition. Handler, payload or cron changes bump
// the version and archive the prior state; cron changes recompute the next
// fire; deactivation removes the due entry without touching the cache.
func (m *Maintainer) Update(ctx domain.Context, updated domain.Job) (domain.Job, error) {
	current, err := m.jobs.Get(ctx, updated.ID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.Update: %w", err)
	}
	if err := m.ValidateDefinition(updated); err != nil {
		return domain.Job{}, err
	}
	now := m.now()
	versionBump := updated.HandlerName != current.HandlerName ||
		updated.Payload != current.Payload ||
		updated.CronExpression != current.CronExpression
	updated.Version = current.Version
	if versionBump {
		if err := m.jobs.SnapshotVersion(ctx, current); err != nil {
			return domain.Job{}, fmt.Errorf("op=scheduler.Update: %w", err)
		}
		updated.Version = current.Version + 1
	}
	updated.ConsecutiveFailures = current.ConsecutiveFailures
	updated.LastFailureAt = current.LastFailureAt
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = now
	if updated.ExecuteAt != nil {
		t := updated.ExecuteAt.UTC()
		updated.ExecuteAt = &t
	}
	if err := m.jobs.Update(ctx, updated); err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.Update: %w", err)
	}

	cronChanged := updated.CronExpression != current.CronExpression
	executeAtChanged := !equalTimePtr(updated.ExecuteAt, current.ExecuteAt)
	reEnabled := updated.IsActive && !current.IsActive
	switch {
	case !updated.IsActive && current.IsActive:
		if err := m.kv.UnscheduleJob(ctx, updated.ID, false); err != nil {
			return domain.Job{}, fmt.Errorf("op=scheduler.Update: %w", err)
		}
		if err := m.kv.RefreshCache(ctx, updated); err != nil {
			slog.Warn("job cache refresh failed", slog.String("job_id", updated.ID), slog.Any("error", err))
		}
	case updated.IsActive && (reEnabled || cronChanged || executeAtChanged):
		fire, err := m.FirstFire(updated, now)
		if err != nil {
			return domain.Job{}, err
		}
		if err := m.kv.ScheduleJob(ctx, updated, fire); err != nil {
			return domain.Job{}, fmt.Errorf("op=scheduler.Update: %w", err)
		}
	default:
		// Schedule untouched; keep the dispatcher cache current anyway.
		if err := m.kv.RefreshCache(ctx, updated); err != nil {
			slog.Warn("job cache refresh failed", slog.String("job_id", updated.ID), slog.Any("error", err))
		}
	}
	if reEnabled {
		if err := m.jobs.ResetFailures(ctx, updated.ID); err != nil {
			slog.Warn("failure counter reset failed", slog.String("job_id", updated.ID), slog.Any("error", err))
		}
		if err := m.notifier.JobReEnabled(ctx, updated); err != nil {
			slog.Warn("re-enable notification failed", slog.String("job_id", updated.ID), slog.Any("error", err))
		}
	}
	return updated, nil
}

// SetActive flips activation. Re-enabling reschedules, clears the failure
// streak and notifies; disabling removes the due entry but keeps the cache so
// an imminent re-enable stays cheap.
func (m *Maintainer) SetActive(ctx domain.Context, id string, active bool) (domain.Job, error) {
	j, err := m.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.SetActive: %w", err)
	}
	if j.IsActive == active {
		return j, nil
	}
	if err := m.jobs.SetActive(ctx, id, active); err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.SetActive: %w", err)
	}
	j.IsActive = active
	j.UpdatedAt = m.now()
	if !active {
		if err := m.kv.UnscheduleJob(ctx, id, false); err != nil {
			return domain.Job{}, fmt.Errorf("op=scheduler.SetActive: %w", err)
		}
		return j, nil
	}
	fire, err := m.FirstFire(j, m.now())
	if err != nil {
		return domain.Job{}, err
	}
	if err := m.kv.ScheduleJob(ctx, j, fire); err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.SetActive: %w", err)
	}
	if err := m.jobs.ResetFailures(ctx, id); err != nil {
		slog.Warn("failure counter reset failed", slog.String("job_id", id), slog.Any("error", err))
	}
	if err := m.notifier.JobReEnabled(ctx, j); err != nil {
		slog.Warn("re-enable notification failed", slog.String("job_id", id), slog.Any("error", err))
	}
	return j, nil
}

// Delete removes a job definition. Refused while any occurrence is still
// non-terminal. Eviction order is due set, then cache, then row, so a
// concurrent dispatcher tick cannot re-dispatch a half-deleted job.
func (m *Maintainer) Delete(ctx domain.Context, id string) error {
	if _, err := m.jobs.Get(ctx, id); err != nil {
		return fmt.Errorf("op=scheduler.Delete: %w", err)
	}
	n, err := m.occurrences.CountNonTerminal(ctx, id)
	if err != nil {
		return fmt.Errorf("op=scheduler.Delete: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("op=scheduler.Delete: job %s has %d occurrence(s) in flight: %w", id, n, domain.ErrConflict)
	}
	if err := m.kv.UnscheduleJob(ctx, id, true); err != nil {
		return fmt.Errorf("op=scheduler.Delete: %w", err)
	}
	if err := m.jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=scheduler.Delete: %w", err)
	}
	return nil
}

// AdvanceCron moves a cron job's due entry to the next firing strictly after
// the given instant. One-shot jobs are removed from the due set instead.
func (m *Maintainer) AdvanceCron(ctx domain.Context, j domain.Job, after time.Time) (time.Time, error) {
	if j.CronExpression == "" {
		if err := m.kv.UnscheduleJob(ctx, j.ID, false); err != nil {
			return time.Time{}, fmt.Errorf("op=scheduler.AdvanceCron: %w", err)
		}
		return time.Time{}, nil
	}
	next, err := cronx.Next(j.CronExpression, after)
	if err != nil {
		return time.Time{}, err
	}
	if next.IsZero() {
		if err := m.kv.UnscheduleJob(ctx, j.ID, false); err != nil {
			return time.Time{}, fmt.Errorf("op=scheduler.AdvanceCron: %w", err)
		}
		return time.Time{}, nil
	}
	if err := m.kv.ScheduleJob(ctx, j, next); err != nil {
		return time.Time{}, fmt.Errorf("op=scheduler.AdvanceCron: %w", err)
	}
	return next, nil
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

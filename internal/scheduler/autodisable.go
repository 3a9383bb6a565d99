package scheduler

import (
	"log/slog"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// AutoDisabler tracks consecutive failures per job and pulls the plug when
// the streak crosses the threshold. Per-job overrides win over the global
// policy; a success resets the streak.
type AutoDisabler struct {
	cfg      config.AutoDisableConfig
	jobs     domain.JobStore
	kv       domain.KV
	notifier domain.Notifier
}

// NewAutoDisabler wires the controller.
func NewAutoDisabler(cfg config.AutoDisableConfig, jobs domain.JobStore, kv domain.KV, notifier domain.Notifier) *AutoDisabler {
	return &AutoDisabler{cfg: cfg, jobs: jobs, kv: kv, notifier: notifier}
}

// RecordFailure bumps the job's failure streak (the store resets it first
// when the window has lapsed) and disables the job when the streak crosses
// the effective threshold. Best-effort: accounting trouble is logged, never
// propagated into the status pipeline.
func (a *AutoDisabler) RecordFailure(ctx domain.Context, job domain.Job, at time.Time) {
	count, err := a.jobs.RecordFailure(ctx, job.ID, at, a.cfg.FailureWindow())
	if err != nil {
		slog.Warn("failure accounting failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	enabled := a.cfg.Enabled
	if job.AutoDisable.Enabled != nil {
		enabled = *job.AutoDisable.Enabled
	}
	threshold := a.cfg.ConsecutiveFailureThreshold
	if job.AutoDisable.Threshold != nil {
		threshold = *job.AutoDisable.Threshold
	}
	if !enabled || count < threshold || !job.IsActive {
		return
	}

	if err := a.jobs.SetActive(ctx, job.ID, false); err != nil {
		slog.Error("auto-disable failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if err := a.kv.UnscheduleJob(ctx, job.ID, false); err != nil {
		slog.Warn("auto-disabled job not removed from due set", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	job.IsActive = false
	job.ConsecutiveFailures = count
	job.LastFailureAt = &at
	if err := a.jobs.SnapshotVersion(ctx, job); err != nil {
		slog.Warn("auto-disable snapshot failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.RecordAutoDisable()
	if err := a.notifier.JobAutoDisabled(ctx, job, count); err != nil {
		slog.Warn("auto-disable notification failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	slog.Warn("job auto-disabled",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
		slog.Int("consecutive_failures", count),
		slog.Int("threshold", threshold))
}

// RecordSuccess clears the failure streak.
func (a *AutoDisabler) RecordSuccess(ctx domain.Context, jobID string) {
	if err := a.jobs.ResetFailures(ctx, jobID); err != nil {
		slog.Warn("failure counter reset failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

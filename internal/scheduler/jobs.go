package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// JobService is the admin surface: definition CRUD, manual triggers,
// cancellation, dead-letter review and the dispatcher emergency stop. HTTP
// handlers call it; it owns no transport concerns.
type JobService struct {
	maintainer  *Maintainer
	launcher    *Launcher
	jobs        domain.JobStore
	occurrences domain.OccurrenceStore
	failed      domain.FailedOccurrenceStore
	kv          domain.KV
	now         func() time.Time
}

// NewJobService wires the service.
func NewJobService(maintainer *Maintainer, launcher *Launcher, jobs domain.JobStore, occurrences domain.OccurrenceStore, failed domain.FailedOccurrenceStore, kv domain.KV) *JobService {
	return &JobService{
		maintainer:  maintainer,
		launcher:    launcher,
		jobs:        jobs,
		occurrences: occurrences,
		failed:      failed,
		kv:          kv,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new job definition and schedules it when active.
func (s *JobService) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	return s.maintainer.Create(ctx, j)
}

// Get returns one definition.
func (s *JobService) Get(ctx domain.Context, id string) (domain.Job, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=scheduler.JobService.Get: %w", err)
	}
	return j, nil
}

// List returns definitions matching the filter.
func (s *JobService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	jobs, err := s.jobs.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.JobService.List: %w", err)
	}
	return jobs, nil
}

// Update applies a full updated definition (handlers merge partial PATCH
// payloads into the current row before calling).
func (s *JobService) Update(ctx domain.Context, j domain.Job) (domain.Job, error) {
	return s.maintainer.Update(ctx, j)
}

// Delete removes a definition; refused while occurrences are in flight.
func (s *JobService) Delete(ctx domain.Context, id string) error {
	return s.maintainer.Delete(ctx, id)
}

// SetActive enables or disables a definition.
func (s *JobService) SetActive(ctx domain.Context, id string, active bool) (domain.Job, error) {
	return s.maintainer.SetActive(ctx, id, active)
}

// Trigger launches an occurrence immediately, outside the schedule. The
// job's Skip policy still applies; triggering a busy Skip job is a conflict.
// Inactive jobs may be triggered, that being the point of a manual run.
func (s *JobService) Trigger(ctx domain.Context, id string) (domain.Occurrence, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Occurrence{}, fmt.Errorf("op=scheduler.Trigger: %w", err)
	}
	if job.Policy == domain.PolicySkip {
		busy, err := s.jobBusy(ctx, job.ID)
		if err != nil {
			return domain.Occurrence{}, fmt.Errorf("op=scheduler.Trigger: %w", err)
		}
		if busy {
			return domain.Occurrence{}, fmt.Errorf("op=scheduler.Trigger: job %s is already running or queued: %w", id, domain.ErrConflict)
		}
	}
	occ, err := s.launcher.Launch(ctx, job, 0)
	if err != nil {
		return occ, fmt.Errorf("op=scheduler.Trigger: %w", err)
	}
	slog.Info("job triggered manually", slog.String("job_id", id), slog.String("occurrence_id", occ.ID))
	return occ, nil
}

func (s *JobService) jobBusy(ctx domain.Context, jobID string) (bool, error) {
	if _, running, err := s.kv.RunningOccurrence(ctx, jobID); err != nil {
		return false, err
	} else if running {
		return true, nil
	}
	n, err := s.occurrences.CountNonTerminal(ctx, jobID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Occurrence returns one occurrence.
func (s *JobService) Occurrence(ctx domain.Context, id string) (domain.Occurrence, error) {
	occ, err := s.occurrences.Get(ctx, id)
	if err != nil {
		return domain.Occurrence{}, fmt.Errorf("op=scheduler.Occurrence: %w", err)
	}
	return occ, nil
}

// Occurrences lists a job's occurrences, newest first.
func (s *JobService) Occurrences(ctx domain.Context, jobID string, limit, offset int) ([]domain.Occurrence, error) {
	occs, err := s.occurrences.ListByJob(ctx, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.Occurrences: %w", err)
	}
	return occs, nil
}

// OccurrenceLogs returns an occurrence's log trail in arrival order.
func (s *JobService) OccurrenceLogs(ctx domain.Context, occurrenceID string, limit int) ([]domain.OccurrenceLog, error) {
	logs, err := s.occurrences.ListLogs(ctx, occurrenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.OccurrenceLogs: %w", err)
	}
	return logs, nil
}

// Cancel stops one occurrence. Queued occurrences transition directly;
// Running ones get a cancellation broadcast for the owning worker to act on.
// Cancelling a terminal occurrence is a no-op.
func (s *JobService) Cancel(ctx domain.Context, occurrenceID, reason string) error {
	occ, err := s.occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("op=scheduler.Cancel: %w", err)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	switch {
	case occ.Status.Terminal():
		return nil
	case occ.Status == domain.OccurrenceQueued:
		exc := reason
		next, applied, err := s.occurrences.ApplyStatus(ctx, domain.StatusUpdate{
			OccurrenceID: occurrenceID,
			Status:       domain.OccurrenceCancelled,
			Exception:    &exc,
			At:           s.now(),
		})
		if err != nil {
			if errors.Is(err, domain.ErrStateViolation) {
				// Raced into Running; fall through to the broadcast.
				return s.broadcastCancel(ctx, occurrenceID, reason)
			}
			return fmt.Errorf("op=scheduler.Cancel: %w", err)
		}
		if applied {
			if cerr := s.kv.ClearRunning(ctx, next.JobID); cerr != nil {
				slog.Warn("running marker clear failed", slog.String("job_id", next.JobID), slog.Any("error", cerr))
			}
			slog.Info("queued occurrence cancelled",
				slog.String("occurrence_id", occurrenceID),
				slog.String("reason", reason))
		}
		return nil
	default:
		return s.broadcastCancel(ctx, occurrenceID, reason)
	}
}

func (s *JobService) broadcastCancel(ctx domain.Context, occurrenceID, reason string) error {
	req := domain.CancellationRequest{CorrelationID: occurrenceID, Reason: reason}
	if err := s.kv.PublishCancellation(ctx, req); err != nil {
		return fmt.Errorf("op=scheduler.Cancel: %w", err)
	}
	slog.Info("cancellation broadcast",
		slog.String("occurrence_id", occurrenceID),
		slog.String("reason", reason))
	return nil
}

// DeadLetters lists dead-letter rows for operator review.
func (s *JobService) DeadLetters(ctx domain.Context, onlyUnresolved bool, limit, offset int) ([]domain.FailedOccurrence, error) {
	rows, err := s.failed.List(ctx, onlyUnresolved, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.DeadLetters: %w", err)
	}
	return rows, nil
}

// ResolveDeadLetter marks a dead-letter row handled, with a note.
func (s *JobService) ResolveDeadLetter(ctx domain.Context, id, note string) error {
	if err := s.failed.Resolve(ctx, id, note); err != nil {
		return fmt.Errorf("op=scheduler.ResolveDeadLetter: %w", err)
	}
	return nil
}

// DispatcherStatus reports the emergency-stop flag.
func (s *JobService) DispatcherStatus(ctx domain.Context) (paused bool, err error) {
	paused, err = s.kv.DispatcherDisabled(ctx)
	if err != nil {
		return false, fmt.Errorf("op=scheduler.DispatcherStatus: %w", err)
	}
	return paused, nil
}

// PauseDispatcher raises the emergency-stop flag; every instance honors it
// on its next tick.
func (s *JobService) PauseDispatcher(ctx domain.Context) error {
	if err := s.kv.SetDispatcherDisabled(ctx, true); err != nil {
		return fmt.Errorf("op=scheduler.PauseDispatcher: %w", err)
	}
	slog.Warn("dispatcher paused by operator")
	return nil
}

// ResumeDispatcher clears the emergency-stop flag.
func (s *JobService) ResumeDispatcher(ctx domain.Context) error {
	if err := s.kv.SetDispatcherDisabled(ctx, false); err != nil {
		return fmt.Errorf("op=scheduler.ResumeDispatcher: %w", err)
	}
	slog.Info("dispatcher resumed by operator")
	return nil
}

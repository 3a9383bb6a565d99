package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// Lifecycle applies worker-reported status updates and log entries. It owns
// the terminal side effects: clearing the running marker, emitting events,
// auto-disable accounting and handing failures to the retry engine.
type Lifecycle struct {
	jobs        domain.JobStore
	occurrences domain.OccurrenceStore
	kv          domain.KV
	events      domain.EventSink
	autoDisable *AutoDisabler
	retry       *RetryEngine
	now         func() time.Time
}

// NewLifecycle wires the lifecycle service.
func NewLifecycle(jobs domain.JobStore, occurrences domain.OccurrenceStore, kv domain.KV, events domain.EventSink, autoDisable *AutoDisabler, retry *RetryEngine) *Lifecycle {
	return &Lifecycle{
		jobs:        jobs,
		occurrences: occurrences,
		kv:          kv,
		events:      events,
		autoDisable: autoDisable,
		retry:       retry,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HandleStatusMessage maps a wire update onto the state machine. The error
// contract matches the consumer's ack rules: nil means ack (including
// duplicates and rejected illegal transitions, which redelivery cannot fix);
// a non-nil return means the store hiccupped and the message should come
// back.
func (l *Lifecycle) HandleStatusMessage(ctx domain.Context, m contract.StatusUpdateMessage) error {
	status := domain.OccurrenceStatus(m.Status)
	if !status.Valid() {
		slog.Warn("status update with unknown status dropped",
			slog.String("occurrence_id", m.CorrelationID),
			slog.String("status", m.Status))
		observability.RecordStatusUpdate("invalid")
		return nil
	}
	u := domain.StatusUpdate{
		OccurrenceID: m.CorrelationID,
		Status:       status,
		StartedAt:    m.StartTime,
		EndedAt:      m.EndTime,
		DurationMs:   m.DurationMs,
		Result:       m.Result,
		Exception:    m.Exception,
		At:           m.MessageTimestamp,
	}
	if u.At.IsZero() {
		u.At = l.now()
	}
	return l.Apply(ctx, u)
}

// Apply runs one status update through the state machine and, when it lands
// a terminal status, the terminal side effects.
func (l *Lifecycle) Apply(ctx domain.Context, u domain.StatusUpdate) error {
	occ, applied, err := l.occurrences.ApplyStatus(ctx, u)
	switch {
	case errors.Is(err, domain.ErrStateViolation):
		slog.Warn("illegal status transition rejected",
			slog.String("occurrence_id", u.OccurrenceID),
			slog.String("requested", string(u.Status)))
		observability.RecordStatusUpdate("state_violation")
		return nil
	case errors.Is(err, domain.ErrNotFound):
		slog.Warn("status update for unknown occurrence dropped",
			slog.String("occurrence_id", u.OccurrenceID),
			slog.String("requested", string(u.Status)))
		observability.RecordStatusUpdate("unknown_occurrence")
		return nil
	case err != nil:
		observability.RecordStatusUpdate("error")
		return fmt.Errorf("op=scheduler.Apply: %w", err)
	}
	if !applied {
		observability.RecordStatusUpdate("duplicate")
		return nil
	}
	observability.RecordStatusUpdate("applied")
	observability.RecordTransition(string(occ.Status))

	if occ.Status.Terminal() {
		l.finishTerminal(ctx, occ)
	} else if err := l.events.OccurrenceUpdated(ctx, occ); err != nil {
		slog.Warn("occurrence event emit failed", slog.String("occurrence_id", occ.ID), slog.Any("error", err))
	}
	return nil
}

// finishTerminal runs the side effects of a terminal transition. All of them
// are best-effort: the transition itself is already durable.
func (l *Lifecycle) finishTerminal(ctx domain.Context, occ domain.Occurrence) {
	if err := l.kv.ClearRunning(ctx, occ.JobID); err != nil {
		slog.Warn("running marker clear failed", slog.String("job_id", occ.JobID), slog.Any("error", err))
	}
	if occ.DurationMs != nil {
		observability.ObserveOccurrenceDuration(occ.HandlerName, float64(*occ.DurationMs)/1000.0)
		if occ.Status == domain.OccurrenceCompleted {
			observability.RecordOccurrenceDurationMs(occ.HandlerName, float64(*occ.DurationMs))
		}
	}
	if err := l.events.OccurrenceUpdated(ctx, occ); err != nil {
		slog.Warn("occurrence event emit failed", slog.String("occurrence_id", occ.ID), slog.Any("error", err))
	}

	job, err := l.jobs.Get(ctx, occ.JobID)
	if err != nil {
		slog.Warn("terminal bookkeeping skipped, job load failed",
			slog.String("job_id", occ.JobID), slog.Any("error", err))
		return
	}
	switch occ.Status {
	case domain.OccurrenceCompleted:
		l.autoDisable.RecordSuccess(ctx, job.ID)
	case domain.OccurrenceFailed, domain.OccurrenceTimedOut:
		endedAt := l.now()
		if occ.EndedAt != nil {
			endedAt = *occ.EndedAt
		}
		l.autoDisable.RecordFailure(ctx, job, endedAt)
		l.retry.HandleTerminal(ctx, job, occ, domain.FailureUnknown)
	}
}

// HandleLogMessage appends one worker log entry to its occurrence trail.
// Arrival order is preserved by the store's append sequence; a store that
// rejects unknown occurrences gets a warning, not a redelivery.
func (l *Lifecycle) HandleLogMessage(ctx domain.Context, m contract.LogMessage) error {
	ts := m.Log.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	entry := domain.OccurrenceLog{
		OccurrenceID:  m.CorrelationID,
		Timestamp:     ts,
		Level:         m.Log.Level,
		Message:       m.Log.Message,
		Data:          m.Log.Data,
		Category:      m.Log.Category,
		ExceptionType: m.Log.ExceptionType,
	}
	if err := l.occurrences.AppendLog(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("log entry for unknown occurrence dropped",
				slog.String("occurrence_id", m.CorrelationID))
			return nil
		}
		return fmt.Errorf("op=scheduler.HandleLogMessage: %w", err)
	}
	return nil
}

package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/observability"
)

// Wire log levels. They match the occurrence log rows the scheduler persists.
const (
	LogLevelDebug       = "Debug"
	LogLevelInformation = "Information"
	LogLevelWarning     = "Warning"
	LogLevelError       = "Error"
)

// JobView is the handler's read-only view of the dispatched job.
type JobView struct {
	ID                      string
	Name                    string
	Version                 int
	Payload                 string
	PublishedAt             time.Time
	ExecutionTimeoutSeconds *int
	ZombieTimeoutMinutes    *int
}

func jobViewFrom(m contract.JobMessage) JobView {
	return JobView{
		ID:                      m.JobID,
		Name:                    m.JobName,
		Version:                 m.JobVersion,
		Payload:                 m.JobData,
		PublishedAt:             m.PublishedAt,
		ExecutionTimeoutSeconds: m.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes:    m.ZombieTimeoutMinutes,
	}
}

// Scope carries the execution context of one occurrence into the handler:
// ids, the job view, and a logger that tees every line to slog and to the
// worker logs stream so the scheduler can attach it to the occurrence.
type Scope struct {
	correlationID string
	workerID      string
	instanceID    string
	job           JobView
	attempt       int

	logger   *slog.Logger
	recorder Recorder
	// bg outlives the run context so terminal log lines still record after a
	// timeout or cancellation.
	bg  context.Context
	now func() time.Time

	mu           sync.Mutex
	cancelReason string
	cancel       context.CancelFunc
}

func newScope(correlationID, workerID, instanceID string, job JobView, rec Recorder, bg context.Context, cancel context.CancelFunc, now func() time.Time) *Scope {
	logger := slog.Default().With(
		slog.String("correlation_id", correlationID),
		slog.String("job_id", job.ID),
		slog.String("handler", job.Name),
		slog.String("worker_id", workerID))
	return &Scope{
		correlationID: correlationID,
		workerID:      workerID,
		instanceID:    instanceID,
		job:           job,
		logger:        logger,
		recorder:      rec,
		bg:            observability.ContextWithCorrelationID(bg, correlationID),
		now:           now,
		cancel:        cancel,
	}
}

// CorrelationID returns the occurrence id this run reports under.
func (s *Scope) CorrelationID() string { return s.correlationID }

// WorkerID returns the fleet id of the executing worker.
func (s *Scope) WorkerID() string { return s.workerID }

// InstanceID returns the replica id of the executing worker.
func (s *Scope) InstanceID() string { return s.instanceID }

// Job returns the dispatched job view.
func (s *Scope) Job() JobView { return s.job }

// Attempt returns the zero-based local retry attempt of the current run.
func (s *Scope) Attempt() int { return s.attempt }

// Logger exposes the occurrence-scoped slog logger for handlers that want
// structured attributes without shipping the line to the scheduler.
func (s *Scope) Logger() *slog.Logger { return s.logger }

func (s *Scope) Debug(msg string) { s.Record(LogLevelDebug, msg, "") }
func (s *Scope) Info(msg string)  { s.Record(LogLevelInformation, msg, "") }
func (s *Scope) Warn(msg string)  { s.Record(LogLevelWarning, msg, "") }
func (s *Scope) Error(msg string) { s.Record(LogLevelError, msg, "") }

// Record writes one log line to slog and to the worker logs stream. Data is
// an optional free-form payload persisted with the line.
func (s *Scope) Record(level, msg, data string) {
	switch level {
	case LogLevelDebug:
		s.logger.Debug(msg)
	case LogLevelWarning:
		s.logger.Warn(msg)
	case LogLevelError:
		s.logger.Error(msg)
	default:
		s.logger.Info(msg)
	}

	ts := s.now().UTC()
	err := s.recorder.RecordLog(s.bg, contract.LogMessage{
		CorrelationID: s.correlationID,
		WorkerID:      s.workerID,
		Log: contract.LogEntry{
			Timestamp: ts,
			Level:     level,
			Message:   msg,
			Data:      data,
		},
		MessageTimestamp: ts,
	})
	if err != nil {
		s.logger.Warn("occurrence log not recorded", slog.Any("error", err))
	}
}

// markCancelled stores the operator reason, then cancels the run context.
// The order matters: the classifier reads the reason after Done fires.
func (s *Scope) markCancelled(reason string) {
	s.mu.Lock()
	if s.cancelReason == "" {
		s.cancelReason = reason
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scope) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReason
}

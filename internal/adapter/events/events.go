// Package events implements the occurrence event sink port. The scheduler
// emits occurrenceCreated/occurrenceUpdated on every lifecycle step; sinks
// forward them to whatever the deployment feeds its dashboards with.
package events

import (
	"fmt"
	"log/slog"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/events/kafka"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// New builds the sink selected by cfg.Sink. The returned stop func releases
// sink resources; for the log and nop sinks it is a no-op.
func New(cfg config.EventsConfig, logger *slog.Logger) (domain.EventSink, func(), error) {
	switch cfg.Sink {
	case "none":
		return NopSink{}, func() {}, nil
	case "log":
		return NewLogSink(logger), func() {}, nil
	case "kafka":
		sink, err := kafka.New(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("op=events.New: %w", err)
		}
		return sink, sink.Close, nil
	}
	return nil, nil, fmt.Errorf("op=events.New: %w: unknown sink %q", domain.ErrInvalidArgument, cfg.Sink)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) OccurrenceCreated(domain.Context, domain.Occurrence) error { return nil }
func (NopSink) OccurrenceUpdated(domain.Context, domain.Occurrence) error { return nil }

// LogSink writes events to the structured log. It is the default sink so a
// bare deployment still leaves an audit trail of every transition.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) OccurrenceCreated(ctx domain.Context, o domain.Occurrence) error {
	s.logger.InfoContext(ctx, "occurrenceCreated", occurrenceAttrs(o)...)
	return nil
}

func (s *LogSink) OccurrenceUpdated(ctx domain.Context, o domain.Occurrence) error {
	s.logger.InfoContext(ctx, "occurrenceUpdated", occurrenceAttrs(o)...)
	return nil
}

func occurrenceAttrs(o domain.Occurrence) []any {
	attrs := []any{
		slog.String("occurrence_id", o.ID),
		slog.String("job_id", o.JobID),
		slog.String("worker_id", o.WorkerID),
		slog.String("handler", o.HandlerName),
		slog.String("status", string(o.Status)),
		slog.Int("retry_count", o.RetryCount),
	}
	if o.DurationMs != nil {
		attrs = append(attrs, slog.Int64("duration_ms", *o.DurationMs))
	}
	if o.Exception != nil {
		attrs = append(attrs, slog.String("exception", *o.Exception))
	}
	return attrs
}

// LogNotifier implements domain.Notifier on the structured log. Real
// notification fan-out (mail, chat) lives outside this system; operators
// watch for these two messages.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) JobAutoDisabled(ctx domain.Context, j domain.Job, consecutiveFailures int) error {
	n.logger.WarnContext(ctx, "job auto-disabled after consecutive failures",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
		slog.Int("consecutive_failures", consecutiveFailures))
	return nil
}

func (n *LogNotifier) JobReEnabled(ctx domain.Context, j domain.Job) error {
	n.logger.InfoContext(ctx, "job re-enabled",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name))
	return nil
}

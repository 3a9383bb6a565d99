package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/broker/rabbit"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// Consumers owns the scheduler-side queue consumers: status updates, worker
// logs, registrations, heartbeats and the dead-letter drain. Each runs its
// own restart loop; RunAll blocks until ctx ends.
type Consumers struct {
	conn      *rabbit.Connection
	lifecycle *Lifecycle
	registry  *Registry
	deadend   *DeadLetterDrain
}

// NewConsumers wires the consumer set.
func NewConsumers(conn *rabbit.Connection, lifecycle *Lifecycle, registry *Registry, deadend *DeadLetterDrain) *Consumers {
	return &Consumers{conn: conn, lifecycle: lifecycle, registry: registry, deadend: deadend}
}

// RunAll starts every consumer and blocks until the context ends.
func (c *Consumers) RunAll(ctx context.Context) {
	specs := []struct {
		opts   rabbit.ConsumerOptions
		handle rabbit.HandleFunc
	}{
		{
			// Status updates ack in order per occurrence; keep it sequential.
			opts:   rabbit.ConsumerOptions{Queue: contract.QueueJobStatusUpdates, Tag: "scheduler-status", Prefetch: 32},
			handle: c.handleStatus,
		},
		{
			opts:   rabbit.ConsumerOptions{Queue: contract.QueueWorkerLogs, Tag: "scheduler-logs", Prefetch: 64},
			handle: c.handleLog,
		},
		{
			opts:   rabbit.ConsumerOptions{Queue: contract.QueueWorkerRegistration, Tag: "scheduler-registration", Prefetch: 8},
			handle: c.handleRegistration,
		},
		{
			opts:   rabbit.ConsumerOptions{Queue: contract.QueueWorkerHeartbeat, Tag: "scheduler-heartbeat", Prefetch: 32, Concurrent: true},
			handle: c.handleHeartbeat,
		},
		{
			opts:   rabbit.ConsumerOptions{Queue: contract.QueueFailedJobs, Tag: "scheduler-dlq", Prefetch: 16},
			handle: c.handleDeadLetter,
		},
	}
	done := make(chan struct{})
	for _, spec := range specs {
		consumer := rabbit.NewConsumer(c.conn, spec.opts)
		handle := spec.handle
		queue := spec.opts.Queue
		go func() {
			if err := consumer.Run(ctx, handle); err != nil && ctx.Err() == nil {
				slog.Error("consumer terminated", slog.String("queue", queue), slog.Any("error", err))
			}
			done <- struct{}{}
		}()
	}
	for range specs {
		<-done
	}
}

func (c *Consumers) handleStatus(ctx context.Context, d rabbit.Delivery) error {
	m, err := contract.DecodeStatusUpdate(d.Body)
	if err != nil {
		slog.Warn("undecodable status update", slog.Any("error", err))
		return rabbit.ErrPoisoned
	}
	return c.lifecycle.HandleStatusMessage(ctx, m)
}

func (c *Consumers) handleLog(ctx context.Context, d rabbit.Delivery) error {
	m, err := contract.DecodeLogMessage(d.Body)
	if err != nil {
		slog.Warn("undecodable log message", slog.Any("error", err))
		return rabbit.ErrPoisoned
	}
	return c.lifecycle.HandleLogMessage(ctx, m)
}

func (c *Consumers) handleRegistration(ctx context.Context, d rabbit.Delivery) error {
	m, err := contract.DecodeRegistration(d.Body)
	if err != nil {
		slog.Warn("undecodable registration", slog.Any("error", err))
		return rabbit.ErrPoisoned
	}
	return c.registry.HandleRegistration(ctx, m)
}

func (c *Consumers) handleHeartbeat(ctx context.Context, d rabbit.Delivery) error {
	m, err := contract.DecodeHeartbeat(d.Body)
	if err != nil {
		slog.Warn("undecodable heartbeat", slog.Any("error", err))
		return rabbit.ErrPoisoned
	}
	return c.registry.HandleHeartbeat(ctx, m)
}

func (c *Consumers) handleDeadLetter(ctx context.Context, d rabbit.Delivery) error {
	return c.deadend.Handle(ctx, d.Body)
}

// DeadLetterDrain interprets what lands on the failed jobs queue. Two shapes
// arrive there: the scheduler's own FailedOccurrence envelopes (already
// projected before publish, so acked and skipped) and job messages the broker
// dead-lettered after a poisoned reject, which still need a terminal status
// and a projection row.
type DeadLetterDrain struct {
	lifecycle *Lifecycle
	now       func() time.Time
}

// NewDeadLetterDrain wires the drain.
func NewDeadLetterDrain(lifecycle *Lifecycle) *DeadLetterDrain {
	return &DeadLetterDrain{lifecycle: lifecycle, now: func() time.Time { return time.Now().UTC() }}
}

// Handle inspects one dead-lettered body. Decode trouble never requeues; the
// dead-letter queue must not cycle.
func (dd *DeadLetterDrain) Handle(ctx context.Context, body []byte) error {
	if _, err := contract.DecodeFailedOccurrence(body); err == nil {
		// Our own projection echoing back through the fanout.
		return nil
	}
	jm, err := contract.DecodeJobMessage(body)
	if err != nil {
		slog.Error("unintelligible dead-lettered message dropped", slog.Any("error", err))
		return nil
	}
	// A message no worker could decode is never retryable; the marker routes
	// the lifecycle's failure hook straight to the projection.
	exc := fmt.Sprintf("%s: job message dead-lettered by broker (poisoned)", domain.InvalidDataExceptionMarker)
	slog.Warn("poisoned job message returned by broker",
		slog.String("job_id", jm.JobID),
		slog.String("occurrence_id", jm.CorrelationID))
	return dd.lifecycle.Apply(ctx, domain.StatusUpdate{
		OccurrenceID: jm.CorrelationID,
		Status:       domain.OccurrenceFailed,
		Exception:    &exc,
		At:           dd.now(),
	})
}

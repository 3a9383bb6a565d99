package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
	"github.com/Milvasoft/milvaion-sub004/internal/observability"
)

// Publisher publishes on a confirm-mode channel and blocks until the broker
// acknowledges each message. An unconfirmed publish is an error; callers
// decide whether to retry or park the payload in the outbox.
type Publisher struct {
	conn  *Connection
	guard *observability.ObservableClient

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher wraps the connection with a confirmed publisher. The publish
// guard's adaptive timeout doubles as the confirmation deadline.
func NewPublisher(conn *Connection) *Publisher {
	confirm := conn.cfg.PublishConfirmTimeout()
	return &Publisher{
		conn: conn,
		guard: observability.NewObservableClient(
			observability.ConnectionTypeBroker,
			observability.OperationTypePublish,
			fmt.Sprintf("%s:%d", conn.cfg.Host, conn.cfg.Port),
			confirm,
			confirm/2,
			3*confirm,
		),
	}
}

// channel returns the confirm-mode channel, reopening it after a failure.
// Topology is redeclared on every open so a publisher can start before any
// consumer exists.
func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := DeclareTopology(ch, p.conn.cfg.Durable, p.conn.cfg.AutoDelete); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) dropChannel() {
	p.mu.Lock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	p.mu.Unlock()
}

func (p *Publisher) publish(ctx context.Context, exchange, key, correlationID string, body []byte) error {
	return p.guard.ExecuteWithMetrics(ctx, "publish", func(ctx context.Context) error {
		ch, err := p.channel()
		if err != nil {
			return err
		}
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now().UTC(),
			CorrelationId: correlationID,
			Body:          body,
		})
		if err != nil {
			p.dropChannel()
			return err
		}
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return fmt.Errorf("publish to %s key=%s nacked by broker", exchange, key)
		}
		return nil
	})
}

// buildJobMessage assembles the dispatch envelope for one occurrence.
func buildJobMessage(job domain.Job, occ domain.Occurrence) contract.JobMessage {
	return contract.JobMessage{
		JobID:                   job.ID,
		CorrelationID:           occ.ID,
		JobName:                 job.HandlerName,
		JobData:                 job.Payload,
		JobVersion:              job.Version,
		ExecutionTimeoutSeconds: job.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes:    job.ZombieTimeoutMinutes,
		PublishedAt:             time.Now().UTC(),
	}
}

// PublishJob implements domain.JobPublisher.
func (p *Publisher) PublishJob(ctx domain.Context, job domain.Job, occ domain.Occurrence, routingKey string) error {
	msg := buildJobMessage(job, occ)
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=rabbit.PublishJob: marshal: %w", err)
	}
	if routingKey == "" {
		routingKey = contract.JobRoutingKey(job.WorkerID)
	}
	if err := p.publish(ctx, contract.ExchangeJobs, routingKey, occ.ID, b); err != nil {
		return fmt.Errorf("op=rabbit.PublishJob: %w", err)
	}
	slog.Info("job published",
		slog.String("job_id", job.ID),
		slog.String("occurrence_id", occ.ID),
		slog.String("routing_key", routingKey))
	return nil
}

// PublishFailedOccurrence implements domain.DLQPublisher. Explicit dead
// letters go through the DLX so they land in the same queue as broker-side
// rejections.
func (p *Publisher) PublishFailedOccurrence(ctx domain.Context, f domain.FailedOccurrence) error {
	msg := contract.FailedOccurrenceMessage{
		JobID:        f.JobID,
		OccurrenceID: f.OccurrenceID,
		Exception:    f.Exception,
		RetryCount:   f.RetryCount,
		FailureType:  string(f.FailureType),
		FailedAt:     f.CreatedAt.UTC(),
	}
	if msg.FailedAt.IsZero() {
		msg.FailedAt = time.Now().UTC()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=rabbit.PublishFailedOccurrence: marshal: %w", err)
	}
	if err := p.publish(ctx, contract.ExchangeDLX, contract.RoutingKeyFailedJobs, f.OccurrenceID, b); err != nil {
		return fmt.Errorf("op=rabbit.PublishFailedOccurrence: %w", err)
	}
	return nil
}

// PublishStatusUpdate sends one occurrence transition from the worker side.
func (p *Publisher) PublishStatusUpdate(ctx context.Context, m contract.StatusUpdateMessage) error {
	if m.MessageTimestamp.IsZero() {
		m.MessageTimestamp = time.Now().UTC()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("op=rabbit.PublishStatusUpdate: marshal: %w", err)
	}
	if err := p.publish(ctx, contract.ExchangeJobs, contract.RoutingKeyStatus, m.CorrelationID, b); err != nil {
		return fmt.Errorf("op=rabbit.PublishStatusUpdate: %w", err)
	}
	return nil
}

func (p *Publisher) PublishLog(ctx context.Context, m contract.LogMessage) error {
	if m.MessageTimestamp.IsZero() {
		m.MessageTimestamp = time.Now().UTC()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("op=rabbit.PublishLog: marshal: %w", err)
	}
	if err := p.publish(ctx, contract.ExchangeJobs, contract.RoutingKeyLogs, m.CorrelationID, b); err != nil {
		return fmt.Errorf("op=rabbit.PublishLog: %w", err)
	}
	return nil
}

func (p *Publisher) PublishRegistration(ctx context.Context, m contract.RegistrationMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("op=rabbit.PublishRegistration: marshal: %w", err)
	}
	if err := p.publish(ctx, contract.ExchangeJobs, contract.RoutingKeyRegistration, m.InstanceID, b); err != nil {
		return fmt.Errorf("op=rabbit.PublishRegistration: %w", err)
	}
	slog.Info("worker registration published",
		slog.String("worker_id", m.WorkerID),
		slog.String("instance_id", m.InstanceID),
		slog.Int("handlers", len(m.Handlers)))
	return nil
}

func (p *Publisher) PublishHeartbeat(ctx context.Context, m contract.HeartbeatMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("op=rabbit.PublishHeartbeat: marshal: %w", err)
	}
	if err := p.publish(ctx, contract.ExchangeJobs, contract.RoutingKeyHeartbeat, m.InstanceID, b); err != nil {
		return fmt.Errorf("op=rabbit.PublishHeartbeat: %w", err)
	}
	return nil
}

// Healthy reports whether the underlying connection is usable.
func (p *Publisher) Healthy() bool {
	return p.conn.Healthy()
}

// Close releases the publisher channel. The shared connection stays open.
func (p *Publisher) Close() error {
	p.dropChannel()
	return nil
}

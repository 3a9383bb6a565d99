package rabbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// ErrPoisoned marks a message that can never be processed. The consumer
// rejects it without requeue so the queue's dead-letter routing applies.
var ErrPoisoned = errors.New("poisoned message")

// Delivery is the consumer-facing view of one AMQP delivery.
type Delivery struct {
	Body          []byte
	RoutingKey    string
	CorrelationID string
	Redelivered   bool
}

// HandleFunc processes one delivery. Return nil to ack, ErrPoisoned to
// dead-letter, anything else to requeue.
type HandleFunc func(ctx context.Context, d Delivery) error

// ConsumerOptions configure one consume loop.
type ConsumerOptions struct {
	Queue    string
	Tag      string
	Prefetch int
	// Concurrent dispatches each delivery on its own goroutine; unacked
	// prefetch bounds the parallelism. Sequential consumers preserve queue
	// order.
	Concurrent bool
	// ConsumerID, when set, makes the loop declare and consume a dedicated
	// queue bound to BindPattern instead of Queue.
	ConsumerID  string
	BindPattern string
}

// Consumer runs a manual-ack consume loop over one queue and restarts it
// after channel failures until the context ends.
type Consumer struct {
	conn *Connection
	opts ConsumerOptions
}

func NewConsumer(conn *Connection, opts ConsumerOptions) *Consumer {
	return &Consumer{conn: conn, opts: opts}
}

// Run blocks until ctx is done, restarting the consume loop with exponential
// backoff whenever the channel or connection drops.
func (c *Consumer) Run(ctx context.Context, handle HandleFunc) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := c.consumeOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		slog.Warn("consumer restarting",
			slog.String("queue", c.opts.Queue),
			slog.Any("error", err),
			slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, handle HandleFunc) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := DeclareTopology(ch, c.conn.cfg.Durable, c.conn.cfg.AutoDelete); err != nil {
		return err
	}
	queue := c.opts.Queue
	if c.opts.ConsumerID != "" {
		queue, err = DeclareConsumerQueue(ch, c.opts.ConsumerID, c.opts.BindPattern, c.conn.cfg.Durable, c.conn.cfg.AutoDelete)
		if err != nil {
			return err
		}
	}
	if c.opts.Prefetch > 0 {
		if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("qos: %w", err)
		}
	}

	deliveries, err := ch.Consume(queue, c.opts.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	slog.Info("consuming",
		slog.String("queue", queue),
		slog.Int("prefetch", c.opts.Prefetch),
		slog.Bool("concurrent", c.opts.Concurrent))

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return fmt.Errorf("delivery channel closed for %s", c.opts.Queue)
			}
			if c.opts.Concurrent {
				wg.Add(1)
				go func(d amqp.Delivery) {
					defer wg.Done()
					c.dispatch(ctx, handle, d)
				}(d)
			} else {
				c.dispatch(ctx, handle, d)
			}
		}
	}
}

type ackAction int

const (
	ackMessage ackAction = iota
	rejectMessage
	requeueMessage
)

func ackDecision(err error) ackAction {
	switch {
	case err == nil:
		return ackMessage
	case errors.Is(err, ErrPoisoned), domain.IsPoisoned(err):
		return rejectMessage
	default:
		return requeueMessage
	}
}

func (c *Consumer) dispatch(ctx context.Context, handle HandleFunc, d amqp.Delivery) {
	err := handle(ctx, Delivery{
		Body:          d.Body,
		RoutingKey:    d.RoutingKey,
		CorrelationID: d.CorrelationId,
		Redelivered:   d.Redelivered,
	})

	switch ackDecision(err) {
	case ackMessage:
		if ackErr := d.Ack(false); ackErr != nil {
			slog.Error("ack failed",
				slog.String("queue", c.opts.Queue),
				slog.String("correlation_id", d.CorrelationId),
				slog.Any("error", ackErr))
		}
	case rejectMessage:
		slog.Warn("rejecting poisoned message",
			slog.String("queue", c.opts.Queue),
			slog.String("correlation_id", d.CorrelationId),
			slog.Any("error", err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			slog.Error("reject failed",
				slog.String("queue", c.opts.Queue),
				slog.Any("error", nackErr))
		}
	case requeueMessage:
		slog.Error("message handling failed, requeueing",
			slog.String("queue", c.opts.Queue),
			slog.String("correlation_id", d.CorrelationId),
			slog.Bool("redelivered", d.Redelivered),
			slog.Any("error", err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			slog.Error("requeue failed",
				slog.String("queue", c.opts.Queue),
				slog.Any("error", nackErr))
		}
	}
}

// Package rabbit provides the AMQP broker integration.
//
// It owns topology declaration, confirmed publishing and manual-ack
// consumption for the scheduler and worker processes. A single connection is
// shared per process; publishers and consumers open their own channels.
package rabbit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Milvasoft/milvaion-sub004/internal/config"
)

// Connection wraps one AMQP connection and redials it when the server side
// drops, so channels can be reopened by their owners after a failure.
type Connection struct {
	cfg config.BrokerConfig

	mu     sync.RWMutex
	conn   *amqp.Connection
	closed bool

	done chan struct{}
}

// Connect dials the broker and, when automatic recovery is enabled, starts a
// monitor that redials with exponential backoff after connection loss.
func Connect(cfg config.BrokerConfig) (*Connection, error) {
	c := &Connection{cfg: cfg, done: make(chan struct{})}
	if err := c.dial(); err != nil {
		return nil, fmt.Errorf("op=rabbit.Connect: %w", err)
	}
	if cfg.AutomaticRecovery {
		go c.monitor()
	}
	return c, nil
}

func (c *Connection) dial() error {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("milvaion")

	conn, err := amqp.DialConfig(c.cfg.URL(), amqp.Config{
		Heartbeat:  c.cfg.Heartbeat(),
		Properties: props,
		Dial:       amqp.DefaultDial(c.cfg.ConnectionTimeout()),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("broker connected",
		slog.String("host", c.cfg.Host),
		slog.Int("port", c.cfg.Port),
		slog.String("vhost", c.cfg.VHost))
	return nil
}

// monitor watches NotifyClose and redials until Close is called. Channels
// opened on the old connection die with it; publishers and consumers detect
// that and reopen through Channel.
func (c *Connection) monitor() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.done:
			return
		case amqpErr, ok := <-closeCh:
			if !ok || amqpErr == nil {
				// clean local close
				return
			}
			slog.Error("broker connection lost",
				slog.Int("code", amqpErr.Code),
				slog.String("reason", amqpErr.Reason))
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.cfg.NetworkRecoveryInterval()
		bo.MaxInterval = 10 * c.cfg.NetworkRecoveryInterval()
		bo.MaxElapsedTime = 0

		for {
			select {
			case <-c.done:
				return
			default:
			}
			if err := c.dial(); err != nil {
				wait := bo.NextBackOff()
				slog.Warn("broker redial failed",
					slog.Any("error", err),
					slog.Duration("retry_in", wait))
				select {
				case <-c.done:
					return
				case <-time.After(wait):
				}
				continue
			}
			break
		}
	}
}

// Channel opens a new channel on the live connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("op=rabbit.Channel: connection closed")
	}
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("op=rabbit.Channel: connection down")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=rabbit.Channel: %w", err)
	}
	return ch, nil
}

// Healthy reports whether the underlying connection is open. The worker
// outbox syncer gates flushes on this.
func (c *Connection) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// QueueDepth returns the message count via a passive declare on a throwaway
// channel; a missing queue closes that channel, never the connection.
func (c *Connection) QueueDepth(_ context.Context, queue string) (int, error) {
	ch, err := c.Channel()
	if err != nil {
		return 0, fmt.Errorf("op=rabbit.QueueDepth: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(queue, c.cfg.Durable, c.cfg.AutoDelete, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("op=rabbit.QueueDepth: queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Close shuts the connection down and stops the monitor. Safe to call twice.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

package rabbit

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Milvasoft/milvaion-sub004/internal/contract"
)

type binding struct {
	queue    string
	key      string
	exchange string
}

func coreQueues() []string {
	return []string{
		contract.QueueScheduledJobs,
		contract.QueueWorkerLogs,
		contract.QueueWorkerHeartbeat,
		contract.QueueWorkerRegistration,
		contract.QueueJobStatusUpdates,
		contract.QueueFailedJobs,
	}
}

func coreBindings() []binding {
	return []binding{
		{contract.QueueScheduledJobs, contract.RoutingKeyJobsWildcard, contract.ExchangeJobs},
		{contract.QueueWorkerLogs, contract.RoutingKeyLogs, contract.ExchangeJobs},
		{contract.QueueWorkerHeartbeat, contract.RoutingKeyHeartbeat, contract.ExchangeJobs},
		{contract.QueueWorkerRegistration, contract.RoutingKeyRegistration, contract.ExchangeJobs},
		{contract.QueueJobStatusUpdates, contract.RoutingKeyStatus, contract.ExchangeJobs},
		{contract.QueueFailedJobs, contract.RoutingKeyFailedJobs, contract.ExchangeDLX},
	}
}

// queueArgs returns declare arguments for a core queue. Rejected job messages
// dead-letter through the fanout DLX into the failed jobs queue.
func queueArgs(queue string) amqp.Table {
	if queue == contract.QueueScheduledJobs {
		return amqp.Table{"x-dead-letter-exchange": contract.ExchangeDLX}
	}
	return nil
}

// DeclareTopology declares the exchanges, queues and bindings both processes
// rely on. Declares are idempotent; every channel owner runs this on open so
// either side can start first.
func DeclareTopology(ch *amqp.Channel, durable, autoDelete bool) error {
	if err := ch.ExchangeDeclare(contract.ExchangeJobs, "topic", durable, autoDelete, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", contract.ExchangeJobs, err)
	}
	if err := ch.ExchangeDeclare(contract.ExchangeDLX, "fanout", durable, autoDelete, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", contract.ExchangeDLX, err)
	}
	for _, q := range coreQueues() {
		if _, err := ch.QueueDeclare(q, durable, autoDelete, false, false, queueArgs(q)); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	for _, b := range coreBindings() {
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s via %s: %w", b.queue, b.exchange, b.key, err)
		}
	}
	return nil
}

// DeclareConsumerQueue declares the dedicated queue for one custom consumer
// and binds its routing pattern. Returns the queue name.
func DeclareConsumerQueue(ch *amqp.Channel, consumerID, routingPattern string, durable, autoDelete bool) (string, error) {
	queue := contract.ConsumerQueueName(consumerID)
	if queue == contract.QueueScheduledJobs {
		// the shared queue is part of the core topology
		return queue, nil
	}
	args := amqp.Table{"x-dead-letter-exchange": contract.ExchangeDLX}
	if _, err := ch.QueueDeclare(queue, durable, autoDelete, false, false, args); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if routingPattern == "" {
		routingPattern = contract.RoutingKeyJobsWildcard
	}
	if err := ch.QueueBind(queue, routingPattern, contract.ExchangeJobs, false, nil); err != nil {
		return "", fmt.Errorf("bind %s via %s: %w", queue, routingPattern, err)
	}
	return queue, nil
}

// Package broker wraps RabbitMQ for the payment pipeline: topology
// declaration, retry and dead-letter headers, and a lazily dialed session
// that publishes with confirms and hands out consumer subscriptions.
package broker

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names. All exchanges are topic exchanges and every queue is bound
// with the wildcard key.
const (
	MainExchange  = "payment.events.exchange"
	MainQueue     = MainExchange + ".queue"
	RetryExchange = "payment.events.retry.exchange"
	RetryQueue    = "payment.events.retry.queue"
	DLQExchange   = "payment.events.dlq.exchange"
	DLQQueue      = "payment.events.dlq.queue"

	WildcardKey  = "#"
	ExchangeKind = amqp.ExchangeTopic
)

// ErrChannelRequired is returned when topology is declared on a nil channel.
var ErrChannelRequired = errors.New("rabbitmq channel is required")

// TopologyChannel is the subset of *amqp.Channel needed to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

type binding struct {
	exchange string
	queue    string
	args     amqp.Table
}

// RetryQueueArgs returns the retry queue arguments: messages expire after
// retryDelay and are dead-lettered back to the main exchange.
func RetryQueueArgs(retryDelay time.Duration) amqp.Table {
	ttl := retryDelay.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	return amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    MainExchange,
		"x-dead-letter-routing-key": WildcardKey,
	}
}

// DeclareTopology declares the main, retry and dead-letter exchange, queue and
// binding triples. Declaration is idempotent as long as the arguments match
// what already exists on the broker.
func DeclareTopology(ch TopologyChannel, retryDelay time.Duration) error {
	if ch == nil {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	for _, b := range []binding{
		{exchange: MainExchange, queue: MainQueue},
		{exchange: RetryExchange, queue: RetryQueue, args: RetryQueueArgs(retryDelay)},
		{exchange: DLQExchange, queue: DLQQueue},
	} {
		if err := ch.ExchangeDeclare(b.exchange, ExchangeKind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
		}
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, b.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, WildcardKey, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// Setup returns a channel setup hook that declares the topology and, when
// prefetch is positive, applies the consumer QoS.
func Setup(retryDelay time.Duration, prefetch int) func(Channel) error {
	return func(ch Channel) error {
		if err := DeclareTopology(ch, retryDelay); err != nil {
			return err
		}
		if prefetch > 0 {
			if err := ch.Qos(prefetch, 0, false); err != nil {
				return fmt.Errorf("set qos: %w", err)
			}
		}
		return nil
	}
}

// Package consumer processes payment events from the main queue.
//
// A failed delivery is never requeued in place. It is republished to the
// retry exchange with an incremented x-retry-count, where the retry queue's
// TTL dead-letters it back onto the main exchange. Once the count reaches
// MaxRetries the next failure goes to the dead-letter exchange instead. The
// original delivery is acked only after the escalation publish is confirmed;
// if that publish fails the delivery is nacked with requeue so it is not lost.
package consumer

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-payments-backend/internal/broker"
	"github.com/tbourn/go-payments-backend/internal/config"
	"github.com/tbourn/go-payments-backend/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Source opens a manual-ack subscription. *broker.Session satisfies it.
type Source interface {
	Consume(queue, tag string) (<-chan amqp.Delivery, error)
}

// Publisher publishes one message and waits for its confirmation.
// *broker.Session satisfies it.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Handler processes one delivery. Returning an error triggers the retry
// chain; wrap it with Permanent to skip retries.
type Handler interface {
	Handle(ctx context.Context, d amqp.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d amqp.Delivery) error { return f(ctx, d) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Outcome is what happened to a delivery.
type Outcome int

const (
	Acked Outcome = iota
	Retried
	DeadLettered
	Requeued
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Retried:
		return "retried"
	case DeadLettered:
		return "dead_lettered"
	case Requeued:
		return "requeued"
	default:
		return "unknown"
	}
}

// Consumer subscribes to Queue and runs Handler on up to Workers deliveries
// at a time.
type Consumer struct {
	Source    Source
	Publisher Publisher
	Handler   Handler

	Queue            string
	Tag              string
	MaxRetries       int
	Workers          int
	RecoveryInterval time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// New builds a Consumer for the main queue. Workers follows the prefetch
// count so every prefetched delivery has a worker.
func New(src Source, pub Publisher, h Handler, cfg config.ConsumerConfig, recovery time.Duration) *Consumer {
	return &Consumer{
		Source:           src,
		Publisher:        pub,
		Handler:          h,
		Queue:            broker.MainQueue,
		Tag:              cfg.ConsumerTag,
		MaxRetries:       cfg.MaxRetries,
		Workers:          cfg.PrefetchCount,
		RecoveryInterval: recovery,
		Logger:           log.With().Str("component", "consumer").Logger(),
		Now:              time.Now,
	}
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Run consumes until ctx ends. A failed or lost subscription is retried after
// RecoveryInterval, except a topology failure, which Run returns. Deliveries
// still prefetched when ctx ends are left unacked and go back to the queue
// when the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	c.Logger.Info().
		Str("queue", c.Queue).
		Int("workers", c.workers()).
		Int("max_retries", c.MaxRetries).
		Msg("consumer started")

	for {
		deliveries, err := c.Source.Consume(c.Queue, c.Tag)
		if errors.Is(err, broker.ErrTopology) {
			c.Logger.Error().Err(err).Msg("consumer stopped: topology")
			return err
		}
		if err != nil {
			c.Logger.Error().Err(err).Msg("subscribe failed")
		} else {
			c.drain(ctx, deliveries)
			if ctx.Err() == nil {
				c.Logger.Warn().Msg("subscription closed; resubscribing")
			}
		}
		if !c.wait(ctx) {
			c.Logger.Info().Msg("consumer stopped")
			return nil
		}
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(c.RecoveryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) workers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

// drain dispatches deliveries to at most workers() goroutines until the
// channel closes or ctx ends, then waits for in-flight handlers.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var g errgroup.Group
	g.SetLimit(c.workers())
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			g.Go(func() error {
				c.HandleDelivery(ctx, d)
				return nil
			})
		}
	}
}

// HandleDelivery runs the handler on d and settles it: ack on success,
// otherwise republish to the retry or dead-letter exchange and ack, or nack
// with requeue when that publish fails.
func (c *Consumer) HandleDelivery(ctx context.Context, d amqp.Delivery) Outcome {
	ctx, span := otel.Tracer("consumer").Start(observability.ExtractAMQP(ctx, d.Headers), "Consumer.HandleDelivery",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	st := broker.RetryStateFromHeaders(d.Headers)
	l := c.Logger.With().
		Str("message_id", d.MessageId).
		Str("routing_key", d.RoutingKey).
		Int("retry_count", st.RetryCount).
		Logger()
	span.SetAttributes(
		attribute.String("messaging.message_id", d.MessageId),
		attribute.Int("messaging.retry_count", st.RetryCount),
	)

	start := time.Now()
	err := c.Handler.Handle(ctx, d)
	handleLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		if aerr := d.Ack(false); aerr != nil {
			l.Error().Err(aerr).Msg("ack failed")
		}
		return c.settled(Acked)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "handler failed")

	now := c.now()
	exchange, outcome := broker.RetryExchange, Retried
	var headers amqp.Table
	switch {
	case IsPermanent(err):
		exchange, outcome = broker.DLQExchange, DeadLettered
		headers = st.DeadLetterHeaders(d.Headers, broker.DeathReasonNonRetryable, now)
	case st.RetryCount >= c.MaxRetries:
		exchange, outcome = broker.DLQExchange, DeadLettered
		headers = st.DeadLetterHeaders(d.Headers, broker.DeathReasonMaxRetries, now)
	default:
		headers = st.RetryHeaders(d.Headers, broker.DeathReasonProcessingFailed, now)
	}

	if perr := c.Publisher.Publish(ctx, exchange, d.RoutingKey, Republish(d, headers)); perr != nil {
		l.Error().Err(perr).AnErr("handler_error", err).Str("exchange", exchange).Msg("escalation publish failed; requeueing")
		if nerr := d.Nack(false, true); nerr != nil {
			l.Error().Err(nerr).Msg("nack failed")
		}
		return c.settled(Requeued)
	}

	if outcome == DeadLettered {
		l.Error().Err(err).Str("death_reason", headers[broker.HeaderDeathReason].(string)).Msg("message dead-lettered")
	} else {
		l.Warn().Err(err).Int("next_retry", st.RetryCount+1).Msg("message scheduled for retry")
	}
	if aerr := d.Ack(false); aerr != nil {
		l.Error().Err(aerr).Msg("ack failed")
	}
	return c.settled(outcome)
}

func (c *Consumer) settled(o Outcome) Outcome {
	deliveriesTotal.WithLabelValues(o.String()).Inc()
	return o
}

// Republish copies d into a new message carrying headers. Per-message TTL and
// the publishing user are dropped.
func Republish(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	mode := d.DeliveryMode
	if mode == 0 {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    mode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

// Package relay moves committed outbox rows to the broker.
//
// Each cycle claims a batch of Pending rows, publishes them one by one with
// publisher confirms and records the outcome. A confirmed row becomes Success
// and its payment moves to Processing; a failed one goes back to Pending with
// its attempt counted. Delivery is at-least-once: a crash between the confirm
// and the bookkeeping republishes the row after its claim goes stale, so
// consumers can see the same MessageId twice.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/internal/broker"
	"github.com/tbourn/go-payments-backend/internal/config"
	"github.com/tbourn/go-payments-backend/internal/domain"
	"github.com/tbourn/go-payments-backend/internal/observability"
	"github.com/tbourn/go-payments-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrStopped is returned by RunOnce when the context ends mid-batch.
var ErrStopped = errors.New("relay stopped")

// Publisher publishes one message and waits for its confirmation.
// *broker.Session satisfies it.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Relay polls the outbox table and publishes to the main exchange.
type Relay struct {
	DB        *gorm.DB
	Publisher Publisher

	BatchSize    int
	PollInterval time.Duration
	IdleInterval time.Duration
	ClaimTimeout time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// New builds a Relay from cfg.
func New(db *gorm.DB, pub Publisher, cfg config.RelayConfig) *Relay {
	return &Relay{
		DB:           db,
		Publisher:    pub,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		IdleInterval: cfg.IdleInterval,
		ClaimTimeout: cfg.ClaimTimeout,
		Logger:       log.With().Str("component", "relay").Logger(),
		Now:          time.Now,
	}
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Run repeats RunOnce until ctx ends. After an empty batch or a store error
// it waits IdleInterval, otherwise PollInterval.
func (r *Relay) Run(ctx context.Context) error {
	r.Logger.Info().
		Int("batch_size", r.BatchSize).
		Dur("poll_interval", r.PollInterval).
		Dur("idle_interval", r.IdleInterval).
		Msg("outbox relay started")

	for {
		n, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			r.Logger.Info().Msg("outbox relay stopped")
			return nil
		}
		if errors.Is(err, broker.ErrTopology) {
			return err
		}

		wait := r.PollInterval
		if err != nil {
			r.Logger.Error().Err(err).Msg("outbox relay cycle failed")
			wait = r.IdleInterval
		} else if n == 0 {
			wait = r.IdleInterval
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.Logger.Info().Msg("outbox relay stopped")
			return nil
		case <-t.C:
		}
	}
}

// RunOnce runs a single relay cycle and returns the number of rows claimed.
// Rows still held when ctx ends, or when the broker topology cannot be
// declared, are handed back without counting an attempt.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("relay").Start(ctx, "Relay.RunOnce")
	defer span.End()

	now := r.now()
	if r.ClaimTimeout > 0 {
		n, err := repo.ReclaimStale(ctx, r.DB, now.Add(-r.ClaimTimeout), now)
		if err != nil {
			r.Logger.Warn().Err(err).Msg("reclaim stale outbox claims failed")
		} else if n > 0 {
			reclaimedTotal.Add(float64(n))
			r.Logger.Warn().Int64("rows", n).Msg("reclaimed stale outbox claims")
		}
	}

	entries, err := repo.ClaimPending(ctx, r.DB, r.BatchSize, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))

	for i := range entries {
		if ctx.Err() != nil {
			r.release(ctx, entries[i:])
			return len(entries), ErrStopped
		}
		if err := r.relayOne(ctx, &entries[i]); err != nil {
			r.release(ctx, entries[i+1:])
			span.RecordError(err)
			span.SetStatus(codes.Error, "topology")
			return len(entries), err
		}
	}

	r.observeBacklog(ctx)
	return len(entries), nil
}

// relayOne publishes e under its claim. The only error it returns is a
// broker topology failure; every other outcome is recorded on the row.
func (r *Relay) relayOne(ctx context.Context, e *domain.OutboxEntry) error {
	l := r.Logger.With().
		Str("outbox_id", e.ID).
		Str("transaction_id", e.TransactionID).
		Str("type", e.Type).
		Logger()

	// Bookkeeping outlives a cancelled relay context.
	store := context.WithoutCancel(ctx)

	// Rows later in a batch wait behind earlier confirms; renewing here keeps
	// another relay from reclaiming a row this one is about to publish.
	if err := repo.RenewClaim(store, r.DB, e, r.now()); err != nil {
		if errors.Is(err, repo.ErrClaimLost) {
			publishedTotal.WithLabelValues("claim_lost").Inc()
			l.Warn().Msg("outbox claim taken over; skipping row")
			return nil
		}
		l.Error().Err(err).Msg("renew outbox claim failed")
		if rerr := repo.ReleaseClaim(store, r.DB, e, nil, r.now()); rerr != nil {
			l.Error().Err(rerr).Msg("release outbox claim failed")
		}
		return nil
	}

	pctx, span := otel.Tracer("relay").Start(ctx, "Relay.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message_id", e.ID),
			attribute.String("messaging.destination", broker.MainExchange),
		),
	)
	msg := Message(e)
	msg.Headers = observability.InjectAMQP(pctx, msg.Headers)

	start := time.Now()
	err := r.Publisher.Publish(pctx, broker.MainExchange, e.Type, msg)
	publishLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
	}
	span.End()

	if errors.Is(err, broker.ErrTopology) {
		l.Error().Err(err).Msg("broker topology unavailable")
		if rerr := repo.ReleaseClaim(store, r.DB, e, nil, r.now()); rerr != nil {
			l.Error().Err(rerr).Msg("release outbox claim failed")
		}
		return err
	}
	if err != nil {
		publishedTotal.WithLabelValues("failed").Inc()
		l.Warn().Err(err).Int("attempts", e.Attempts+1).Msg("outbox publish failed")
		if rerr := repo.ReleaseClaim(store, r.DB, e, err, r.now()); rerr != nil {
			l.Error().Err(rerr).Msg("release outbox claim failed")
		}
		return nil
	}

	if err := repo.MarkPublished(store, r.DB, e, r.now()); err != nil {
		// The broker has the message; the row is republished once its claim
		// goes stale.
		l.Error().Err(err).Msg("published but not recorded")
		return nil
	}
	publishedTotal.WithLabelValues("ok").Inc()
	l.Debug().Msg("outbox row published")
	return nil
}

func (r *Relay) release(ctx context.Context, rest []domain.OutboxEntry) {
	if len(rest) == 0 {
		return
	}
	store := context.WithoutCancel(ctx)
	for i := range rest {
		if err := repo.ReleaseClaim(store, r.DB, &rest[i], nil, r.now()); err != nil {
			r.Logger.Error().Err(err).Str("outbox_id", rest[i].ID).Msg("release outbox claim failed")
		}
	}
	r.Logger.Info().Int("rows", len(rest)).Msg("released unpublished claims")
}

func (r *Relay) observeBacklog(ctx context.Context) {
	pending, oldest, err := repo.OutboxBacklog(ctx, r.DB)
	if err != nil {
		r.Logger.Debug().Err(err).Msg("outbox backlog query failed")
		return
	}
	backlogRows.Set(float64(pending))
	if oldest == nil {
		backlogAge.Set(0)
		return
	}
	backlogAge.Set(r.now().Sub(*oldest).Seconds())
}

// Message builds the broker message for an outbox row. MessageId is the row
// id, which the event body also carries as messageId.
func Message(e *domain.OutboxEntry) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         e.Type,
		Timestamp:    e.CreatedAt,
		Body:         []byte(e.Payload),
		Headers: amqp.Table{
			"x-transaction-id": e.TransactionID,
		},
	}
}

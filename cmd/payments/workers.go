package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-payments-backend/internal/consumer"
	"github.com/tbourn/go-payments-backend/internal/relay"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox rows to RabbitMQ",
		Long: `Claims pending outbox rows in batches and publishes them to the main
exchange with publisher confirms. Several relays may run against the same
database; a row is claimed by one of them at a time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runRelay(ctx)
		},
	}
}

func runRelay(ctx context.Context) error {
	shutdownTracing, err := setupTracing(ctx, "relay")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	db, closeDB, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB()

	pub := newSession("relay-publisher", 0)
	defer closeSession(pub, "publisher")
	if err := openSession(pub, "publisher"); err != nil {
		return err
	}

	r := relay.New(db, pub, cfg.Relay)
	log.Info().
		Int("batch_size", cfg.Relay.BatchSize).
		Dur("poll_interval", cfg.Relay.PollInterval).
		Msg("outbox relay started")
	err = r.Run(ctx)
	log.Info().Msg("outbox relay stopped")
	return err
}

func consumerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Process payment events with retry and dead-letter escalation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runConsumer(ctx)
		},
	}
}

func runConsumer(ctx context.Context) error {
	shutdownTracing, err := setupTracing(ctx, "consumer")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	// Subscriptions and escalation publishes use separate channels so a
	// confirm wait never blocks delivery.
	sub := newSession("consumer-subscriber", cfg.Consumer.PrefetchCount)
	defer closeSession(sub, "subscriber")
	pub := newSession("consumer-publisher", 0)
	defer closeSession(pub, "publisher")
	if err := openSession(sub, "subscriber"); err != nil {
		return err
	}
	if err := openSession(pub, "publisher"); err != nil {
		return err
	}

	h := consumer.PaymentEventHandler{Logger: log.With().Str("component", "handler").Logger()}
	c := consumer.New(sub, pub, h, cfg.Consumer, cfg.Broker.RecoveryInterval)
	log.Info().
		Int("prefetch", cfg.Consumer.PrefetchCount).
		Int("max_retries", cfg.Consumer.MaxRetries).
		Dur("retry_delay", cfg.Consumer.RetryDelay).
		Msg("event consumer started")
	err = c.Run(ctx)
	log.Info().Msg("event consumer stopped")
	return err
}

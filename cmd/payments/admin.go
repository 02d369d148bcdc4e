package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-payments-backend/internal/broker"
	"github.com/tbourn/go-payments-backend/internal/repo"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the payments, outbox, idempotency and event log tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, closeDB, err := openDB()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := repo.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Str("driver", cfg.DB.Driver).Msg("schema migrated")
			return nil
		},
	}
}

func topologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Declare the main, retry and dead-letter exchanges and queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := newSession("topology", 0)
			defer closeSession(s, "topology")

			if err := s.Open(); err != nil {
				return fmt.Errorf("declare topology: %w", err)
			}
			log.Info().
				Str("main", broker.MainQueue).
				Str("retry", broker.RetryQueue).
				Str("dlq", broker.DLQQueue).
				Dur("retry_delay", cfg.Consumer.RetryDelay).
				Msg("topology declared")
			return nil
		},
	}
}

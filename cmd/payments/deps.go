package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/internal/broker"
	"github.com/tbourn/go-payments-backend/internal/observability"
	"github.com/tbourn/go-payments-backend/internal/repo"
)

func openDB() (*gorm.DB, func(), error) {
	db, err := repo.Open(cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return db, closeFn, nil
}

// newSession returns a broker session that declares the topology on every
// channel it opens. prefetch > 0 also applies consumer QoS.
func newSession(component string, prefetch int) *broker.Session {
	return broker.NewSession(cfg.Broker.URL(),
		broker.WithSetup(broker.Setup(cfg.Consumer.RetryDelay, prefetch)),
		broker.WithRecoveryInterval(cfg.Broker.RecoveryInterval),
		broker.WithConfirmTimeout(cfg.Broker.PublishTimeout),
		broker.WithLogger(log.With().Str("component", component).Logger()),
	)
}

// openSession dials s before the role starts. A topology failure is fatal;
// an unreachable broker is logged and left to the session's reconnect loop.
func openSession(s *broker.Session, name string) error {
	err := s.Open()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, broker.ErrTopology):
		return fmt.Errorf("open %s session: %w", name, err)
	default:
		log.Warn().Err(err).Str("session", name).Msg("broker unavailable at startup; will reconnect")
		return nil
	}
}

func closeSession(s *broker.Session, name string) {
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Str("session", name).Msg("close broker session")
	}
}

func setupTracing(ctx context.Context, role string) (func(), error) {
	shutdown, err := observability.SetupOTel(ctx, cfg.OTEL, Version, role)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}, nil
}

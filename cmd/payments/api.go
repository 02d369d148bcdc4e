package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/tbourn/go-payments-backend/internal/http"
	"github.com/tbourn/go-payments-backend/internal/repo"
)

func apiCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the payment intake HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runAPI(ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "run schema migration before serving")
	return cmd
}

func runAPI(ctx context.Context, migrate bool) error {
	shutdownTracing, err := setupTracing(ctx, "api")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	db, closeDB, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB()

	if migrate {
		if err := repo.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, db, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}

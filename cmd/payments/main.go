// Command payments runs the payment intake pipeline. Each subcommand is one
// process role sharing the same configuration:
//
//	payments api        HTTP intake (idempotency guard + intake writer)
//	payments relay      outbox relay to RabbitMQ
//	payments consumer   event consumer with retry/dead-letter escalation
//	payments migrate    create or update the database schema
//	payments topology   declare exchanges, queues and bindings
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-payments-backend/internal/config"
	"github.com/tbourn/go-payments-backend/internal/sysutil"
)

var Version = "dev"

// cfg is populated by the root command before any subcommand runs.
var cfg config.Config

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "payments",
		Short:         "Payment intake pipeline: API, outbox relay and event consumer",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			var err error
			if cfg, err = config.Load(); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sysutil.ConfigureLogger(cfg.LogLevel, cfg.LogPretty, cmd.Name(), nil)
			gin.SetMode(cfg.GinMode)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")

	root.AddCommand(apiCmd())
	root.AddCommand(relayCmd())
	root.AddCommand(consumerCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(topologyCmd())
	return root
}

// loadEnv loads path into the environment without overriding variables that
// are already set. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		if parent.Err() == nil {
			log.Info().Msg("shutdown signal received")
		}
	}()
	return ctx, stop
}

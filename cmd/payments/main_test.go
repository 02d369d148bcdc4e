package main

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-payments-backend/internal/broker"
)

func TestRootCmd_Subcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd().Commands() {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	want := "api,consumer,migrate,relay,topology"
	if got := strings.Join(names, ","); !strings.Contains(got, want) {
		t.Fatalf("subcommands = %s; want %s", got, want)
	}
}

func TestLoadEnv_MissingFileIsIgnored(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if err := loadEnv(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}

func TestLoadEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "PAYMENTS_TEST_FROM_FILE=file\nPAYMENTS_TEST_PRESET=file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PAYMENTS_TEST_PRESET", "env")
	t.Cleanup(func() { os.Unsetenv("PAYMENTS_TEST_FROM_FILE") })

	if err := loadEnv(path); err != nil {
		t.Fatalf("loadEnv: %v", err)
	}
	if got := os.Getenv("PAYMENTS_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("PAYMENTS_TEST_FROM_FILE = %q", got)
	}
	if got := os.Getenv("PAYMENTS_TEST_PRESET"); got != "env" {
		t.Fatalf("preset variable overridden: %q", got)
	}
}

func TestRootCmd_InvalidConfigFailsBeforeRunning(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")
	root := rootCmd()
	root.SetArgs([]string{"--env-file", "", "migrate"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Fatalf("expected config error, got %v", err)
	}
}

// setupOnlyChannel supports what a session needs before its setup hook runs.
type setupOnlyChannel struct {
	broker.Channel
	closed bool
}

func (c *setupOnlyChannel) Confirm(bool) error { return nil }
func (c *setupOnlyChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	return ch
}
func (c *setupOnlyChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return { return ch }
func (c *setupOnlyChannel) IsClosed() bool                                    { return c.closed }
func (c *setupOnlyChannel) Close() error                                      { c.closed = true; return nil }

type setupOnlyConn struct{ ch *setupOnlyChannel }

func (c setupOnlyConn) Channel() (broker.Channel, error) { return c.ch, nil }
func (c setupOnlyConn) IsClosed() bool                   { return false }
func (c setupOnlyConn) Close() error                     { return nil }

func TestOpenSession_TopologyFailureIsFatal(t *testing.T) {
	s := broker.NewSession("amqp://test",
		broker.WithDialer(func(string) (broker.Connection, error) {
			return setupOnlyConn{ch: &setupOnlyChannel{}}, nil
		}),
		broker.WithSetup(func(broker.Channel) error {
			return errors.New("PRECONDITION_FAILED - inequivalent arg 'x-message-ttl'")
		}),
		broker.WithLogger(zerolog.Nop()),
	)
	defer s.Close()

	err := openSession(s, "publisher")
	if !errors.Is(err, broker.ErrTopology) {
		t.Fatalf("expected topology error, got %v", err)
	}
	if !strings.Contains(err.Error(), "open publisher session") {
		t.Fatalf("error lacks session name: %v", err)
	}
}

func TestOpenSession_UnreachableBrokerIsRetriedLater(t *testing.T) {
	s := broker.NewSession("amqp://test",
		broker.WithDialer(func(string) (broker.Connection, error) {
			return nil, errors.New("connection refused")
		}),
		broker.WithLogger(zerolog.Nop()),
	)
	defer s.Close()

	if err := openSession(s, "subscriber"); err != nil {
		t.Fatalf("unreachable broker should not stop startup: %v", err)
	}
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session errors. Every publish failure wraps ErrPublishFailed.
var (
	ErrBrokerConnection = errors.New("broker connection failure")
	ErrPublishFailed    = errors.New("publish failed")
	ErrUnroutable       = errors.New("message was returned as unroutable")
	ErrPublishNacked    = errors.New("message was nacked by broker")
	ErrConfirmTimeout   = errors.New("confirmation timed out")
	ErrSessionClosed    = errors.New("session is closed")

	// ErrTopology marks a failed channel setup hook. Redialing cannot fix
	// it, so callers treat it as fatal.
	ErrTopology = errors.New("topology declaration failed")
)

const (
	DefaultConfirmTimeout   = 5 * time.Second
	DefaultRecoveryInterval = 10 * time.Second
)

// Channel is the subset of *amqp.Channel used by a Session.
type Channel interface {
	TopologyChannel
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection used by a Session.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the default Dialer.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Session owns one connection and one confirm-mode channel. Both are opened
// lazily on first use and reopened after a closure is detected, at most once
// per recovery interval. Publishes are serialized and each waits for its
// broker confirmation.
type Session struct {
	url              string
	dial             Dialer
	recoveryInterval time.Duration
	confirmTimeout   time.Duration
	setup            func(Channel) error
	logger           zerolog.Logger
	now              func() time.Time

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	lastDial time.Time
	closed   bool
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the AMQP dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dial = d
		}
	}
}

// WithRecoveryInterval sets the minimum time between two dial attempts.
func WithRecoveryInterval(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.recoveryInterval = d
		}
	}
}

// WithConfirmTimeout sets how long a publish waits for its confirmation.
func WithConfirmTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

// WithSetup runs fn on every freshly opened channel, for example to declare
// topology and QoS. A setup error fails the open.
func WithSetup(fn func(Channel) error) Option {
	return func(s *Session) { s.setup = fn }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSession creates an unopened session for url.
func NewSession(url string, opts ...Option) *Session {
	s := &Session{
		url:              url,
		dial:             DialAMQP,
		recoveryInterval: DefaultRecoveryInterval,
		confirmTimeout:   DefaultConfirmTimeout,
		logger:           log.With().Str("component", "broker").Logger(),
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open eagerly establishes the connection and channel and runs the setup hook.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.channelLocked()
	return err
}

// Publish sends msg with the mandatory flag and waits for the broker
// confirmation. Returned and nacked messages are failures. On a confirm
// timeout or cancellation the channel is discarded, since a late
// confirmation would otherwise be paired with the next publish.
func (s *Session) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channelLocked()
	if err != nil {
		return err
	}
	s.drainReturnsLocked()

	if err := ch.PublishWithContext(ctx, exchange, key, true, false, msg); err != nil {
		s.invalidateLocked()
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	timer := time.NewTimer(s.confirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-s.confirms:
		if !ok {
			s.invalidateLocked()
			return fmt.Errorf("%w: channel closed before confirmation", ErrPublishFailed)
		}
		// A return for a mandatory message is dispatched before its ack.
		if ret, returned := s.takeReturnLocked(); returned {
			return fmt.Errorf("%w: %w: exchange=%s key=%s reply=%d %s",
				ErrPublishFailed, ErrUnroutable, ret.Exchange, ret.RoutingKey, ret.ReplyCode, ret.ReplyText)
		}
		if !c.Ack {
			return fmt.Errorf("%w: %w: delivery_tag=%d", ErrPublishFailed, ErrPublishNacked, c.DeliveryTag)
		}
		return nil

	case <-timer.C:
		s.invalidateLocked()
		return fmt.Errorf("%w: %w", ErrPublishFailed, ErrConfirmTimeout)

	case <-ctx.Done():
		s.invalidateLocked()
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
}

// Consume starts a manual-ack subscription on queue.
func (s *Session) Consume(queue, tag string) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channelLocked()
	if err != nil {
		return nil, err
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		s.invalidateLocked()
		return nil, fmt.Errorf("%w: consume %s: %v", ErrBrokerConnection, queue, err)
	}
	return deliveries, nil
}

// Close releases the channel and connection. A closed session cannot be
// reopened.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.teardownLocked()
	return nil
}

func (s *Session) channelLocked() (Channel, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	if s.ch != nil {
		s.logger.Warn().Msg("broker channel closed; reconnecting")
	}
	s.teardownLocked()

	now := s.now()
	if !s.lastDial.IsZero() && now.Sub(s.lastDial) < s.recoveryInterval {
		return nil, fmt.Errorf("%w: next reconnect allowed in %s", ErrBrokerConnection, s.recoveryInterval-now.Sub(s.lastDial))
	}
	s.lastDial = now

	conn, err := s.dial(s.url)
	if err != nil {
		s.logger.Error().Err(err).Msg("broker dial failed")
		return nil, fmt.Errorf("%w: dial: %v", ErrBrokerConnection, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", ErrBrokerConnection, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: enable confirms: %v", ErrBrokerConnection, err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if s.setup != nil {
		if err := s.setup(ch); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			s.logger.Error().Err(err).Msg("broker channel setup failed")
			return nil, fmt.Errorf("%w: %w", ErrTopology, err)
		}
	}

	s.conn, s.ch = conn, ch
	s.confirms, s.returns = confirms, returns
	s.logger.Info().Msg("broker channel open")
	return ch, nil
}

func (s *Session) takeReturnLocked() (amqp.Return, bool) {
	select {
	case ret, ok := <-s.returns:
		return ret, ok
	default:
		return amqp.Return{}, false
	}
}

func (s *Session) drainReturnsLocked() {
	for {
		if _, ok := s.takeReturnLocked(); !ok {
			return
		}
	}
}

func (s *Session) invalidateLocked() {
	s.logger.Warn().Msg("discarding broker channel")
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
	s.confirms, s.returns = nil, nil
}

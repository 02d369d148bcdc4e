package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-payments-backend/internal/broker"
	"github.com/tbourn/go-payments-backend/internal/config"
	"github.com/tbourn/go-payments-backend/internal/observability"
)

type fakeAck struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAck) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error { return nil }

type sent struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	msgs []sent
}

func (p *fakePublisher) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, sent{exchange, key, msg})
	return nil
}

func (p *fakePublisher) last(t *testing.T) sent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.msgs)
	return p.msgs[len(p.msgs)-1]
}

var (
	errBoom = errors.New("boom")
	now     = time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC)
)

func failing() Handler {
	return HandlerFunc(func(context.Context, amqp.Delivery) error { return errBoom })
}

func newConsumer(pub Publisher, h Handler, maxRetries int) *Consumer {
	c := New(nil, pub, h, config.ConsumerConfig{
		PrefetchCount: 2,
		MaxRetries:    maxRetries,
		ConsumerTag:   "test",
	}, time.Millisecond)
	c.Logger = zerolog.Nop()
	c.Now = func() time.Time { return now }
	return c
}

func delivery(ack amqp.Acknowledger, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		Headers:      headers,
		ContentType:  "application/json",
		MessageId:    "m-1",
		RoutingKey:   "PaymentCreated",
		Body:         []byte(`{}`),
	}
}

func TestHandleDelivery_SuccessAcks(t *testing.T) {
	pub := &fakePublisher{}
	ok := HandlerFunc(func(context.Context, amqp.Delivery) error { return nil })
	c := newConsumer(pub, ok, 3)
	ack := &fakeAck{}
	before := testutil.ToFloat64(deliveriesTotal.WithLabelValues("acked"))

	assert.Equal(t, Acked, c.HandleDelivery(context.Background(), delivery(ack, nil)))
	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, pub.msgs)
	assert.Equal(t, before+1, testutil.ToFloat64(deliveriesTotal.WithLabelValues("acked")))
}

func TestHandleDelivery_FirstFailureGoesToRetry(t *testing.T) {
	pub := &fakePublisher{}
	c := newConsumer(pub, failing(), 3)
	ack := &fakeAck{}

	out := c.HandleDelivery(context.Background(), delivery(ack, nil))
	require.Equal(t, Retried, out)
	assert.Equal(t, 1, ack.acks)

	s := pub.last(t)
	assert.Equal(t, broker.RetryExchange, s.exchange)
	assert.Equal(t, "PaymentCreated", s.key)
	assert.Equal(t, int32(1), s.msg.Headers[broker.HeaderRetryCount])
	assert.Equal(t, broker.DeathReasonProcessingFailed, s.msg.Headers[broker.HeaderFirstDeathReason])
	assert.Equal(t, now.UnixMilli(), s.msg.Headers[broker.HeaderOriginalTimestamp])
	assert.Equal(t, "m-1", s.msg.MessageId)
	assert.Equal(t, amqp.Persistent, s.msg.DeliveryMode)
	assert.Equal(t, []byte(`{}`), s.msg.Body)
}

func TestHandleDelivery_KeepsFirstFailureHeaders(t *testing.T) {
	pub := &fakePublisher{}
	c := newConsumer(pub, failing(), 5)
	first := now.Add(-time.Hour).UnixMilli()

	c.HandleDelivery(context.Background(), delivery(&fakeAck{}, amqp.Table{
		broker.HeaderRetryCount:        int32(2),
		broker.HeaderFirstDeathReason:  "earlier",
		broker.HeaderOriginalTimestamp: first,
		"x-trace":                      "keep-me",
	}))

	h := pub.last(t).msg.Headers
	assert.Equal(t, int32(3), h[broker.HeaderRetryCount])
	assert.Equal(t, "earlier", h[broker.HeaderFirstDeathReason])
	assert.Equal(t, first, h[broker.HeaderOriginalTimestamp])
	assert.Equal(t, "keep-me", h["x-trace"])
}

func TestHandleDelivery_MaxRetriesGoesToDLQ(t *testing.T) {
	pub := &fakePublisher{}
	c := newConsumer(pub, failing(), 3)
	ack := &fakeAck{}

	out := c.HandleDelivery(context.Background(), delivery(ack, amqp.Table{broker.HeaderRetryCount: int32(3)}))
	require.Equal(t, DeadLettered, out)
	assert.Equal(t, 1, ack.acks)

	s := pub.last(t)
	assert.Equal(t, broker.DLQExchange, s.exchange)
	assert.Equal(t, int32(3), s.msg.Headers[broker.HeaderRetryCount])
	assert.Equal(t, broker.DeathReasonMaxRetries, s.msg.Headers[broker.HeaderDeathReason])
	assert.Equal(t, now.UnixMilli(), s.msg.Headers[broker.HeaderDeathTimestamp])
}

// Follows one message through the whole chain by feeding each republished
// message back in, as the retry queue TTL would.
func TestHandleDelivery_FullChainEndsInDLQ(t *testing.T) {
	const maxRetries = 4
	pub := &fakePublisher{}
	var calls int
	h := HandlerFunc(func(context.Context, amqp.Delivery) error {
		calls++
		return errBoom
	})
	c := newConsumer(pub, h, maxRetries)

	var headers amqp.Table
	for {
		out := c.HandleDelivery(context.Background(), delivery(&fakeAck{}, headers))
		s := pub.last(t)
		if out == DeadLettered {
			assert.Equal(t, broker.DLQExchange, s.exchange)
			assert.Equal(t, int32(maxRetries), s.msg.Headers[broker.HeaderRetryCount])
			break
		}
		require.Equal(t, Retried, out)
		require.LessOrEqual(t, calls, maxRetries, "retried past the limit")
		headers = s.msg.Headers
	}
	assert.Equal(t, maxRetries+1, calls)
	assert.Len(t, pub.msgs, maxRetries+1)
}

func TestHandleDelivery_PermanentSkipsRetries(t *testing.T) {
	pub := &fakePublisher{}
	h := HandlerFunc(func(context.Context, amqp.Delivery) error { return Permanent(errBoom) })
	c := newConsumer(pub, h, 3)

	out := c.HandleDelivery(context.Background(), delivery(&fakeAck{}, nil))
	require.Equal(t, DeadLettered, out)
	s := pub.last(t)
	assert.Equal(t, broker.DLQExchange, s.exchange)
	assert.Equal(t, int32(0), s.msg.Headers[broker.HeaderRetryCount])
	assert.Equal(t, broker.DeathReasonNonRetryable, s.msg.Headers[broker.HeaderDeathReason])
}

func TestHandleDelivery_PublishFailureRequeues(t *testing.T) {
	pub := &fakePublisher{err: broker.ErrPublishFailed}
	c := newConsumer(pub, failing(), 3)
	ack := &fakeAck{}

	out := c.HandleDelivery(context.Background(), delivery(ack, nil))
	assert.Equal(t, Requeued, out)
	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestHandleDelivery_ZeroMaxRetries(t *testing.T) {
	pub := &fakePublisher{}
	c := newConsumer(pub, failing(), 0)
	out := c.HandleDelivery(context.Background(), delivery(&fakeAck{}, nil))
	assert.Equal(t, DeadLettered, out)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	err := Permanent(errBoom)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, IsPermanent(errBoom))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "acked", Acked.String())
	assert.Equal(t, "retried", Retried.String())
	assert.Equal(t, "dead_lettered", DeadLettered.String())
	assert.Equal(t, "requeued", Requeued.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

func TestRepublish_DefaultsToPersistent(t *testing.T) {
	d := amqp.Delivery{Expiration: "1000", UserId: "guest", Body: []byte("x")}
	msg := Republish(d, amqp.Table{"a": 1})
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Empty(t, msg.Expiration)
	assert.Empty(t, msg.UserId)
	assert.Equal(t, amqp.Table{"a": 1}, msg.Headers)
}

type fakeSource struct {
	mu    sync.Mutex
	subs  []chan amqp.Delivery
	fails int
	calls int
	err   error
}

func (s *fakeSource) Consume(string, string) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fails > 0 {
		s.fails--
		if s.err != nil {
			return nil, s.err
		}
		return nil, broker.ErrBrokerConnection
	}
	ch := make(chan amqp.Delivery, 16)
	s.subs = append(s.subs, ch)
	return ch, nil
}

func (s *fakeSource) sub(i int) chan amqp.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.subs) {
		return nil
	}
	return s.subs[i]
}

func TestRun_ResubscribesAndStops(t *testing.T) {
	src := &fakeSource{fails: 1}
	var handled atomic.Int32
	h := HandlerFunc(func(context.Context, amqp.Delivery) error {
		handled.Add(1)
		return nil
	})
	c := newConsumer(&fakePublisher{}, h, 3)
	c.Source = src

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return src.sub(0) != nil }, time.Second, time.Millisecond)
	src.sub(0) <- delivery(&fakeAck{}, nil)
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, time.Millisecond)

	// Losing the subscription triggers a new one.
	close(src.sub(0))
	require.Eventually(t, func() bool { return src.sub(1) != nil }, time.Second, time.Millisecond)
	src.sub(1) <- delivery(&fakeAck{}, nil)
	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_TopologyFailureStops(t *testing.T) {
	src := &fakeSource{
		fails: 100,
		err:   fmt.Errorf("%w: PRECONDITION_FAILED - inequivalent arg 'x-message-ttl'", broker.ErrTopology),
	}
	c := newConsumer(&fakePublisher{}, HandlerFunc(func(context.Context, amqp.Delivery) error { return nil }), 3)
	c.Source = src

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, broker.ErrTopology)
	case <-time.After(time.Second):
		t.Fatal("Run kept retrying after a topology failure")
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.calls)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	src := &fakeSource{}
	var inFlight, peak, handled atomic.Int32
	release := make(chan struct{})
	h := HandlerFunc(func(context.Context, amqp.Delivery) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		handled.Add(1)
		return nil
	})
	c := newConsumer(&fakePublisher{}, h, 3)
	c.Source = src
	c.Workers = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return src.sub(0) != nil }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		src.sub(0) <- delivery(&fakeAck{}, nil)
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return handled.Load() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestHandleDelivery_JoinsPublisherTrace(t *testing.T) {
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(observability.Propagator())
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	pctx, span := tp.Tracer("relay").Start(context.Background(), "publish")
	headers := observability.InjectAMQP(pctx, nil)
	span.End()

	var got trace.TraceID
	h := HandlerFunc(func(ctx context.Context, _ amqp.Delivery) error {
		got = trace.SpanContextFromContext(ctx).TraceID()
		return nil
	})
	c := newConsumer(&fakePublisher{}, h, 3)

	assert.Equal(t, Acked, c.HandleDelivery(context.Background(), delivery(&fakeAck{}, headers)))
	assert.Equal(t, span.SpanContext().TraceID(), got)
}

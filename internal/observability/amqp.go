package observability

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// tableCarrier adapts amqp.Table to propagation.TextMapCarrier. Only string
// values are visible to the propagator.
type tableCarrier amqp.Table

func (t tableCarrier) Get(key string) string {
	v, _ := t[key].(string)
	return v
}

func (t tableCarrier) Set(key, value string) { t[key] = value }

func (t tableCarrier) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = tableCarrier(nil)

// InjectAMQP writes the W3C trace context of ctx into headers and returns
// them. A nil table is allocated.
func InjectAMQP(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))
	return headers
}

// ExtractAMQP returns ctx carrying the remote span context found in headers,
// or ctx unchanged when there is none.
func ExtractAMQP(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, tableCarrier(headers))
}

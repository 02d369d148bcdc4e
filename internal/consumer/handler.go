package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-payments-backend/internal/domain"
)

// Validation failures reported by PaymentEventHandler.
var (
	ErrMalformedEvent     = errors.New("malformed payment event")
	ErrMissingTransaction = errors.New("payment event has no transaction id")
	ErrUnknownEventType   = errors.New("unknown payment event type")
	ErrInvalidAmount      = errors.New("payment event amount must be positive")
)

// PaymentEventHandler validates payment events. A body that is not a JSON
// event can never succeed and is dead-lettered at once; the other checks go
// through the retry chain.
type PaymentEventHandler struct {
	Logger zerolog.Logger
}

// Handle implements Handler.
func (h PaymentEventHandler) Handle(ctx context.Context, d amqp.Delivery) error {
	ev, err := DecodeEvent(d.Body)
	if err != nil {
		return Permanent(err)
	}
	if err := ValidateEvent(ev); err != nil {
		return err
	}
	h.Logger.Info().
		Str("message_id", ev.MessageID).
		Str("transaction_id", ev.TransactionID).
		Str("type", ev.Type).
		Str("amount", ev.Payload.Amount.String()).
		Str("currency", ev.Payload.Currency).
		Msg("payment event processed")
	return nil
}

// DecodeEvent parses a PaymentEvent body.
func DecodeEvent(body []byte) (domain.PaymentEvent, error) {
	var ev domain.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// ValidateEvent checks the fields every payment event must carry.
func ValidateEvent(ev domain.PaymentEvent) error {
	id, err := uuid.Parse(ev.TransactionID)
	if err != nil || id == uuid.Nil {
		return ErrMissingTransaction
	}
	if !domain.KnownEventType(ev.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	if !ev.Payload.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// Package services – PaymentService
//
// This file implements the transactional intake writer. A payment, the
// outbound event describing it, its audit log row and the idempotency
// completion are written in one database transaction, so either all of them
// exist or none do. Publishing the event is left to the outbox relay.
//
// Observability: all public methods are OpenTelemetry-instrumented.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/internal/domain"
	"github.com/tbourn/go-payments-backend/internal/repo"
	"github.com/tbourn/go-payments-backend/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxAmount is the first value that no longer fits numeric(18,2).
var maxAmount = decimal.New(1, 16)

// CreatePaymentRequest is the intake payload.
type CreatePaymentRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ProviderID int             `json:"providerId"`
}

// PaymentResult is the stored and returned outcome of an intake.
type PaymentResult struct {
	TransactionID string                   `json:"transactionId"`
	Status        domain.TransactionStatus `json:"status"`
}

// PaymentService writes payments and their outbox events.
type PaymentService struct {
	DB *gorm.DB

	// Idempotency completes the caller's claim inside the intake
	// transaction. Nil disables completion.
	Idempotency *IdempotencyService

	Now func() time.Time
}

// Validate normalizes req in place and checks it.
func (r *CreatePaymentRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidationFailed)
	}
	if !r.Amount.Equal(r.Amount.Round(2)) {
		return fmt.Errorf("%w: amount must have at most two decimal places", ErrValidationFailed)
	}
	if !r.Amount.LessThan(maxAmount) {
		return fmt.Errorf("%w: amount is too large", ErrValidationFailed)
	}

	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if len(r.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a three-letter ISO 4217 code", ErrValidationFailed)
	}
	if _, err := currency.ParseISO(r.Currency); err != nil {
		return fmt.Errorf("%w: unknown currency %q", ErrValidationFailed, r.Currency)
	}

	if r.ProviderID <= 0 {
		return fmt.Errorf("%w: providerId must be a positive integer", ErrValidationFailed)
	}
	return nil
}

// CreatePayment validates req and atomically stores a Pending payment with a
// PaymentCreated outbox entry and audit row. When idempotencyKey is set, the
// serialized result is stored on the caller's claim in the same transaction.
//
// The returned raw response is the exact JSON stored for replays.
func (s *PaymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest, callerID, idempotencyKey string) (*PaymentResult, json.RawMessage, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "CreatePayment",
		trace.WithAttributes(
			attribute.String("user.id", callerID),
			attribute.String("payment.currency", req.Currency),
			attribute.Int("payment.provider_id", req.ProviderID),
		),
	)
	defer span.End()

	caller, err := NormalizeCaller(callerID)
	if err != nil {
		return nil, nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	now := s.now()
	p := &domain.Payment{
		ID:         uuid.NewString(),
		UserID:     caller,
		Amount:     req.Amount,
		Currency:   req.Currency,
		ProviderID: req.ProviderID,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	entry, audit, err := newEvent(p, domain.EventPaymentCreated, "", now)
	if err != nil {
		return nil, nil, err
	}

	result := &PaymentResult{TransactionID: p.ID, Status: p.Status}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode result: %v", ErrSerialization, err)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreatePayment(ctx, tx, p); err != nil {
			return err
		}
		if err := repo.CreateOutboxEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := repo.AppendEventLog(ctx, tx, audit); err != nil {
			return err
		}
		if idempotencyKey != "" && s.Idempotency != nil {
			return s.Idempotency.CompleteRequestTx(ctx, tx, idempotencyKey, caller, raw)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDatabaseFailure) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: create payment: %v", ErrDatabaseFailure, err)
	}

	span.SetAttributes(attribute.String("payment.id", p.ID))
	return result, raw, nil
}

// GetPayment returns a payment owned by callerID.
func (s *PaymentService) GetPayment(ctx context.Context, id, callerID string) (*domain.Payment, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "GetPayment",
		trace.WithAttributes(
			attribute.String("payment.id", id),
			attribute.String("user.id", callerID),
		),
	)
	defer span.End()

	caller, err := NormalizeCaller(callerID)
	if err != nil {
		return nil, err
	}
	p, err := repo.GetPayment(ctx, s.DB, id, caller)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get payment: %v", ErrDatabaseFailure, err)
	}
	return p, nil
}

// ListPayments returns a page of the caller's payments, newest first, and the
// total count.
func (s *PaymentService) ListPayments(ctx context.Context, callerID string, page, pageSize int) ([]domain.Payment, int64, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "ListPayments",
		trace.WithAttributes(
			attribute.String("user.id", callerID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	caller, err := NormalizeCaller(callerID)
	if err != nil {
		return nil, 0, err
	}

	pg := utils.Page{Number: page, Size: pageSize}.Clamp()

	total, err := repo.CountPayments(ctx, s.DB, caller)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: count payments: %v", ErrDatabaseFailure, err)
	}
	if total == 0 {
		return []domain.Payment{}, 0, nil
	}

	items, err := repo.ListPaymentsPage(ctx, s.DB, caller, pg.Offset(), pg.Size)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list payments: %v", ErrDatabaseFailure, err)
	}
	return items, total, nil
}

// ListStats returns the caller's payment count and latest update time, used
// for list ETags.
func (s *PaymentService) ListStats(ctx context.Context, callerID string) (int64, *time.Time, error) {
	caller, err := NormalizeCaller(callerID)
	if err != nil {
		return 0, nil, err
	}
	return repo.PaymentsStats(ctx, s.DB, caller)
}

// ListEvents returns the audit log of a payment owned by callerID, oldest
// first.
func (s *PaymentService) ListEvents(ctx context.Context, id, callerID string) ([]domain.EventLog, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "ListEvents",
		trace.WithAttributes(attribute.String("payment.id", id)),
	)
	defer span.End()

	if _, err := s.GetPayment(ctx, id, callerID); err != nil {
		return nil, err
	}
	logs, err := repo.ListEventLogs(ctx, s.DB, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrDatabaseFailure, err)
	}
	return logs, nil
}

// AdvanceStatus moves a payment forward to status to and appends a
// PaymentStatusChanged audit row in the same transaction. Nothing is written
// to the outbox: a payment has exactly one outbox entry, its PaymentCreated
// event.
func (s *PaymentService) AdvanceStatus(ctx context.Context, id, callerID string, to domain.TransactionStatus) (*domain.Payment, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "AdvanceStatus",
		trace.WithAttributes(
			attribute.String("payment.id", id),
			attribute.String("user.id", callerID),
			attribute.String("payment.status", string(to)),
		),
	)
	defer span.End()

	caller, err := NormalizeCaller(callerID)
	if err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidationFailed, to)
	}

	var out *domain.Payment
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := repo.GetPayment(ctx, tx, id, caller)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}
		if !p.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
		}

		now := s.now()
		if err := repo.UpdatePaymentStatus(ctx, tx, p.ID, p.Status, to, now); err != nil {
			if errors.Is(err, repo.ErrStaleStatus) {
				return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
			}
			return err
		}
		p.Status = to
		p.UpdatedAt = now

		_, audit, err := newEvent(p, domain.EventPaymentStatusChanged, to, now)
		if err != nil {
			return err
		}
		if err := repo.AppendEventLog(ctx, tx, audit); err != nil {
			return err
		}
		out = p
		return nil
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrSerialization):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: advance status: %v", ErrDatabaseFailure, err)
	}
}

// newEvent builds the outbox entry and audit row for an event about p. The
// outbox entry id doubles as the broker message id.
func newEvent(p *domain.Payment, eventType string, status domain.TransactionStatus, now time.Time) (*domain.OutboxEntry, *domain.EventLog, error) {
	ev := domain.PaymentEvent{
		MessageID:     uuid.NewString(),
		TransactionID: p.ID,
		Type:          eventType,
		Timestamp:     now,
		Payload: domain.PaymentEventData{
			Amount:     p.Amount,
			Currency:   p.Currency,
			UserID:     p.UserID,
			ProviderID: p.ProviderID,
			Status:     status,
		},
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode event: %v", ErrSerialization, err)
	}

	entry := &domain.OutboxEntry{
		ID:            ev.MessageID,
		TransactionID: p.ID,
		Type:          eventType,
		Payload:       string(body),
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	audit := &domain.EventLog{
		TransactionID: p.ID,
		EventType:     eventType,
		Payload:       string(body),
		CreatedAt:     now,
	}
	return entry, audit, nil
}

func (s *PaymentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Package services – IdempotencyService
//
// This file implements the idempotency guard in front of payment intake. A
// request is identified by (Idempotency-Key, caller). The first request claims
// the pair by inserting an in-flight record; the unique index on the pair
// decides races. Later requests replay the stored response, or are told the
// original is still in flight.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// the caller id and the decided outcome.

package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/internal/config"
	"github.com/tbourn/go-payments-backend/internal/domain"
	"github.com/tbourn/go-payments-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the guard's verdict for an incoming request.
type Outcome int

const (
	// OutcomeProceed means the caller owns the key and must run the request.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a response is stored and must be returned as is.
	OutcomeReplay
	// OutcomeConflict means another request holds the key.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProceed:
		return "proceed"
	case OutcomeReplay:
		return "replay"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Decision is returned by TryBeginRequest. Response is only set on replay.
type Decision struct {
	Outcome  Outcome
	Response []byte
}

// IdempotencyService claims and completes idempotency records.
type IdempotencyService struct {
	DB *gorm.DB

	// ClaimTimeout is the age after which an in-flight record is considered
	// abandoned and may be taken over. Zero disables takeover.
	ClaimTimeout time.Duration

	// RejectMismatch turns a replay with a different request hash into
	// ErrIdempotencyMismatch instead of returning the stored response.
	RejectMismatch bool

	Now func() time.Time
}

// NewIdempotencyService builds the guard from configuration.
func NewIdempotencyService(db *gorm.DB, cfg config.IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		DB:             db,
		ClaimTimeout:   cfg.ClaimTimeout,
		RejectMismatch: cfg.RejectMismatch,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// RequestHash fingerprints a request as base64(SHA-256(body || path)).
func RequestHash(body []byte, path string) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(path))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NormalizeCaller parses callerID as a non-nil UUID and returns its canonical
// form.
func NormalizeCaller(callerID string) (string, error) {
	uid, err := uuid.Parse(strings.TrimSpace(callerID))
	if err != nil || uid == uuid.Nil {
		return "", ErrInvalidCaller
	}
	return uid.String(), nil
}

// TryBeginRequest decides whether the request identified by (key, callerID)
// should run. Invalid input is rejected before storage is touched.
func (s *IdempotencyService) TryBeginRequest(ctx context.Context, key, callerID string, body []byte, path string) (Decision, error) {
	tr := otel.Tracer("services/IdempotencyService")
	ctx, span := tr.Start(ctx, "TryBeginRequest",
		trace.WithAttributes(attribute.String("user.id", callerID)),
	)
	defer span.End()

	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{}, ErrMissingKey
	}
	caller, err := NormalizeCaller(callerID)
	if err != nil {
		return Decision{}, err
	}

	hash := RequestHash(body, path)
	now := s.now()

	rec, err := repo.GetIdempotency(ctx, s.DB, key, caller)
	switch {
	case err == nil:
		return s.decide(ctx, span, rec, hash, now)
	case !errors.Is(err, repo.ErrNotFound):
		return Decision{}, fmt.Errorf("%w: read idempotency key: %v", ErrDatabaseFailure, err)
	}

	if _, err := repo.CreateIdempotency(ctx, s.DB, key, caller, hash, now); err != nil {
		if !errors.Is(err, repo.ErrDuplicate) {
			return Decision{}, fmt.Errorf("%w: claim idempotency key: %v", ErrDatabaseFailure, err)
		}
		// Lost the insert race: the winner's record decides.
		rec, gerr := repo.GetIdempotency(ctx, s.DB, key, caller)
		if gerr != nil {
			return Decision{}, fmt.Errorf("%w: re-read idempotency key: %v", ErrDatabaseFailure, gerr)
		}
		return s.decide(ctx, span, rec, hash, now)
	}

	span.SetAttributes(attribute.String("idempotency.outcome", OutcomeProceed.String()))
	return Decision{Outcome: OutcomeProceed}, nil
}

func (s *IdempotencyService) decide(ctx context.Context, span trace.Span, rec *domain.Idempotency, hash string, now time.Time) (Decision, error) {
	lg := zerolog.Ctx(ctx)

	if rec.Completed() {
		if rec.RequestHash != hash {
			if s.RejectMismatch {
				return Decision{}, ErrIdempotencyMismatch
			}
			lg.Warn().
				Str("idempotency_key", rec.Key).
				Str("user_id", rec.UserID).
				Msg("idempotency key reused with a different request; replaying stored response")
		}
		span.SetAttributes(attribute.String("idempotency.outcome", OutcomeReplay.String()))
		return Decision{Outcome: OutcomeReplay, Response: []byte(*rec.ResultData)}, nil
	}

	if s.ClaimTimeout > 0 {
		cutoff := now.Add(-s.ClaimTimeout)
		if rec.UpdatedAt.Before(cutoff) {
			took, err := repo.ReclaimIdempotency(ctx, s.DB, rec.Key, rec.UserID, hash, cutoff, now)
			if err != nil {
				return Decision{}, fmt.Errorf("%w: reclaim idempotency key: %v", ErrDatabaseFailure, err)
			}
			if took {
				lg.Warn().
					Str("idempotency_key", rec.Key).
					Str("user_id", rec.UserID).
					Time("claimed_at", rec.UpdatedAt).
					Msg("taking over abandoned idempotency claim")
				span.SetAttributes(attribute.String("idempotency.outcome", OutcomeProceed.String()))
				return Decision{Outcome: OutcomeProceed}, nil
			}
		}
	}

	span.SetAttributes(attribute.String("idempotency.outcome", OutcomeConflict.String()))
	return Decision{Outcome: OutcomeConflict}, nil
}

// CompleteRequest stores response on the (key, callerID) record.
func (s *IdempotencyService) CompleteRequest(ctx context.Context, key, callerID string, response []byte) error {
	tr := otel.Tracer("services/IdempotencyService")
	ctx, span := tr.Start(ctx, "CompleteRequest",
		trace.WithAttributes(attribute.String("user.id", callerID)),
	)
	defer span.End()

	return s.CompleteRequestTx(ctx, s.DB, key, callerID, response)
}

// CompleteRequestTx is CompleteRequest on an explicit handle, typically the
// transaction that produced the response. A missing or already completed
// record is logged and ignored.
func (s *IdempotencyService) CompleteRequestTx(ctx context.Context, tx *gorm.DB, key, callerID string, response []byte) error {
	caller, err := NormalizeCaller(callerID)
	if err != nil {
		return err
	}
	ok, err := repo.CompleteIdempotency(ctx, tx, strings.TrimSpace(key), caller, string(response), s.now())
	if err != nil {
		return fmt.Errorf("%w: complete idempotency key: %v", ErrDatabaseFailure, err)
	}
	if !ok {
		zerolog.Ctx(ctx).Warn().
			Str("idempotency_key", key).
			Str("user_id", caller).
			Msg("no in-flight idempotency record to complete")
	}
	return nil
}

func (s *IdempotencyService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Package services defines the business logic for payment intake: the
// idempotency guard and the transactional intake writer. This file
// centralizes the service-level error values so that they can be returned by
// service methods and checked by callers with errors.Is.
//
// Translation into HTTP status codes is performed by the handler layer.
package services

import "errors"

// Request errors.
var (
	// ErrMissingKey is returned when an idempotency key is empty.
	ErrMissingKey = errors.New("idempotency key is required")

	// ErrInvalidCaller is returned when the caller identity is not a UUID.
	ErrInvalidCaller = errors.New("caller id must be a valid uuid")

	// ErrValidationFailed wraps every payment field validation failure.
	ErrValidationFailed = errors.New("validation failed")
)

// State errors.
var (
	// ErrConflict indicates another request with the same key is in flight.
	ErrConflict = errors.New("request is already processing")

	// ErrIdempotencyMismatch is returned when a key is reused with a
	// different request body and mismatches are configured to be rejected.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")

	// ErrPaymentNotFound indicates the payment does not exist or belongs to
	// another caller.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidTransition is returned for a status change that is not a
	// forward move.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Infrastructure errors.
var (
	ErrDatabaseFailure = errors.New("database failure")
	ErrSerialization   = errors.New("serialization failure")
)

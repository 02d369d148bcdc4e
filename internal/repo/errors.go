package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for consistency across the service layer
// and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrDuplicate indicates that an idempotency record already exists for
	// the given (key, user_id) pair.
	ErrDuplicate = errors.New("duplicate")

	// ErrClaimLost is returned when an outbox row is no longer held by the
	// claim token presented by the caller.
	ErrClaimLost = errors.New("outbox claim lost")

	// ErrStaleStatus is returned when a conditional status update found the
	// row in a different status than expected.
	ErrStaleStatus = errors.New("status changed concurrently")
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err was caused by a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

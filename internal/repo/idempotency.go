// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for payment intake.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/internal/domain"
)

// GetIdempotency returns the record for (key, userID) or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, key, userID string) (*domain.Idempotency, error) {
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("key = ? AND user_id = ?", key, userID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency inserts an in-flight record and returns ErrDuplicate when
// (key, userID) is already claimed.
func CreateIdempotency(ctx context.Context, db *gorm.DB, key, userID, requestHash string, now time.Time) (*domain.Idempotency, error) {
	rec := &domain.Idempotency{
		ID:          uuid.NewString(),
		Key:         key,
		UserID:      userID,
		RequestHash: requestHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// CompleteIdempotency stores result on the (key, userID) record. It reports
// false when no in-flight record matched, which includes a record that was
// already completed.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, key, userID, result string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("key = ? AND user_id = ? AND result_data IS NULL", key, userID).
		Updates(map[string]any{
			"result_data": result,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReclaimIdempotency takes over an in-flight record whose last update is older
// than staleBefore, resetting its hash and timestamp. Only one concurrent
// caller can win; the others get false.
func ReclaimIdempotency(ctx context.Context, db *gorm.DB, key, userID, requestHash string, staleBefore, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("key = ? AND user_id = ? AND result_data IS NULL AND updated_at < ?", key, userID, staleBefore).
		Updates(map[string]any{
			"request_hash": requestHash,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

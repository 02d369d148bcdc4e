// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries: list ETags for
// the HTTP layer and outbox backlog figures for relay metrics.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/internal/domain"
)

// PaymentsStats returns aggregate metadata for a user's payments: the total
// number of rows and the maximum UpdatedAt timestamp among those rows.
//
// When the user has no payments, the returned count is 0 and maxUpdatedAt is
// nil.
func PaymentsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Payment{}).Where("user_id = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// OutboxBacklog returns the number of Pending outbox rows and the creation
// time of the oldest one, or nil when the backlog is empty.
func OutboxBacklog(ctx context.Context, db *gorm.DB) (pending int64, oldest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.OutboxEntry{}).Where("status = ?", domain.StatusPending)

	if err = q.Count(&pending).Error; err != nil {
		return 0, nil, err
	}
	if pending == 0 {
		return 0, nil, nil
	}

	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at ASC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return pending, &row.CreatedAt, nil
}

package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-payments-backend/internal/domain"
)

// CreateOutboxEntry inserts e as Pending. It is meant to run inside the same
// transaction as the payment change it describes.
func CreateOutboxEntry(ctx context.Context, db *gorm.DB, e *domain.OutboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.StatusPending
	}
	return db.WithContext(ctx).Create(e).Error
}

// ClaimPending atomically moves up to limit Pending rows, oldest first, to
// Processing under a fresh claim token and returns them. Rows already held by
// another relay are skipped, so concurrent callers never receive the same row.
//
// On PostgreSQL the candidate rows are selected FOR UPDATE SKIP LOCKED; on
// every driver the update is conditional on status still being Pending.
func ClaimPending(ctx context.Context, db *gorm.DB, limit int, now time.Time) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.NewString()
	var out []domain.OutboxEntry

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&domain.OutboxEntry{}).
			Where("status = ?", domain.StatusPending).
			Order("created_at asc").
			Order("id").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var ids []string
		if err := q.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&domain.OutboxEntry{}).
			Where("id IN ? AND status = ?", ids, domain.StatusPending).
			Updates(map[string]any{
				"status":      domain.StatusProcessing,
				"claim_token": token,
				"claimed_at":  now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		return tx.Where("claim_token = ?", token).
			Order("created_at asc").
			Order("id").
			Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkPublished records a confirmed publish of e: the outbox row becomes
// Success and, for a payment still Pending, the payment becomes Processing.
// Both changes commit together. ErrClaimLost is returned when e is no longer
// held under its claim token.
func MarkPublished(ctx context.Context, db *gorm.DB, e *domain.OutboxEntry, now time.Time) error {
	if e.ClaimToken == nil {
		return ErrClaimLost
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.OutboxEntry{}).
			Where("id = ? AND claim_token = ? AND status = ?", e.ID, *e.ClaimToken, domain.StatusProcessing).
			Updates(map[string]any{
				"status":       domain.StatusSuccess,
				"published_at": now,
				"claim_token":  nil,
				"last_error":   "",
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrClaimLost
		}

		return tx.Model(&domain.Payment{}).
			Where("id = ? AND status = ?", e.TransactionID, domain.StatusPending).
			Updates(map[string]any{
				"status":     domain.StatusProcessing,
				"updated_at": now,
			}).Error
	})
}

// RenewClaim moves the claim time of e to now, so the row is not reclaimed
// as stale while its holder is still working. ErrClaimLost is returned when
// e is no longer held under its claim token.
func RenewClaim(ctx context.Context, db *gorm.DB, e *domain.OutboxEntry, now time.Time) error {
	if e.ClaimToken == nil {
		return ErrClaimLost
	}
	res := db.WithContext(ctx).
		Model(&domain.OutboxEntry{}).
		Where("id = ? AND claim_token = ? AND status = ?", e.ID, *e.ClaimToken, domain.StatusProcessing).
		Updates(map[string]any{
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	e.ClaimedAt = &now
	return nil
}

// ReleaseClaim returns e to Pending. A non-nil cause counts as a failed
// publish attempt and is recorded as the last error; a nil cause hands the
// row back untouched otherwise. ErrClaimLost is returned when the claim was
// already taken over.
func ReleaseClaim(ctx context.Context, db *gorm.DB, e *domain.OutboxEntry, cause error, now time.Time) error {
	if e.ClaimToken == nil {
		return ErrClaimLost
	}
	updates := map[string]any{
		"status":      domain.StatusPending,
		"claim_token": nil,
		"claimed_at":  nil,
		"updated_at":  now,
	}
	if cause != nil {
		updates["attempts"] = gorm.Expr("attempts + ?", 1)
		updates["last_error"] = cause.Error()
	}
	res := db.WithContext(ctx).
		Model(&domain.OutboxEntry{}).
		Where("id = ? AND claim_token = ? AND status = ?", e.ID, *e.ClaimToken, domain.StatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReclaimStale returns Processing rows claimed before the cutoff to Pending
// and reports how many were released. Their holder is presumed dead.
func ReclaimStale(ctx context.Context, db *gorm.DB, before, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.OutboxEntry{}).
		Where("status = ? AND claimed_at < ?", domain.StatusProcessing, before).
		Updates(map[string]any{
			"status":      domain.StatusPending,
			"claim_token": nil,
			"claimed_at":  nil,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

// GetOutboxEntry fetches a single outbox row by id.
func GetOutboxEntry(ctx context.Context, db *gorm.DB, id string) (*domain.OutboxEntry, error) {
	var e domain.OutboxEntry
	if err := db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// ListOutboxByTransaction returns the outbox rows of a payment, oldest first.
func ListOutboxByTransaction(ctx context.Context, db *gorm.DB, transactionID string) ([]domain.OutboxEntry, error) {
	var out []domain.OutboxEntry
	err := db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at asc").
		Order("id").
		Find(&out).Error
	return out, err
}

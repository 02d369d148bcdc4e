package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/internal/domain"
)

// CreatePayment inserts p. It is meant to run inside the intake transaction.
func CreatePayment(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	return db.WithContext(ctx).Create(p).Error
}

// GetPayment fetches a payment by id and owner. Missing or foreign rows yield
// ErrNotFound.
func GetPayment(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Payment, error) {
	var p domain.Payment
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CountPayments returns the total number of payments owned by userID.
func CountPayments(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListPaymentsPage returns a page of payments for userID, most recent first.
// The caller computes offset and limit.
func ListPaymentsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdatePaymentStatus moves payment id from one status to another. It returns
// ErrStaleStatus when the row is no longer in status from.
func UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id string, from, to domain.TransactionStatus, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-payments-backend/internal/domain"
)

// AppendEventLog writes an audit row. An empty ID is filled in.
func AppendEventLog(ctx context.Context, db *gorm.DB, e *domain.EventLog) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(e).Error
}

// ListEventLogs returns the audit rows of a transaction, oldest first.
func ListEventLogs(ctx context.Context, db *gorm.DB, transactionID string) ([]domain.EventLog, error) {
	var out []domain.EventLog
	err := db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at asc").
		Order("id").
		Find(&out).Error
	return out, err
}

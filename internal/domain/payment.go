// Package domain defines the persistence models for payments, their outbound
// events, idempotency claims and the audit event log. These types are mapped
// with GORM and shared by the repository, service, relay and consumer layers.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state shared by payments and outbox rows.
type TransactionStatus string

const (
	StatusNew        TransactionStatus = "New"
	StatusPending    TransactionStatus = "Pending"
	StatusProcessing TransactionStatus = "Processing"
	StatusSuccess    TransactionStatus = "Success"
	StatusFailed     TransactionStatus = "Failed"
)

// statusRank orders statuses; Success and Failed share the terminal rank.
var statusRank = map[TransactionStatus]int{
	StatusNew:        0,
	StatusPending:    1,
	StatusProcessing: 2,
	StatusSuccess:    3,
	StatusFailed:     3,
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition is allowed from s.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a forward move.
// Terminal statuses never move; unknown statuses never move.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	from, ok := statusRank[s]
	if !ok || s.Terminal() {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// ParseStatus maps a case-sensitive status name to a TransactionStatus.
func ParseStatus(v string) (TransactionStatus, bool) {
	s := TransactionStatus(v)
	return s, s.Valid()
}

// Payment is a payment intake record owned by a caller.
//
// Amount is fixed-point with two decimals. Status only moves forward and
// starts at Pending when created through the intake writer. Rows are never
// deleted.
type Payment struct {
	ID         string            `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID     string            `json:"user_id"     gorm:"type:char(36);not null;index:idx_payments_user_created,priority:1"`
	Amount     decimal.Decimal   `json:"amount"      gorm:"type:numeric(18,2);not null"`
	Currency   string            `json:"currency"    gorm:"type:varchar(3);not null"`
	ProviderID int               `json:"provider_id" gorm:"not null"`
	Status     TransactionStatus `json:"status"      gorm:"type:varchar(16);not null;check:status IN ('New','Pending','Processing','Success','Failed')"`
	CreatedAt  time.Time         `json:"created_at"  gorm:"index:idx_payments_user_created,priority:2"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

package domain

import "time"

// OutboxEntry is an outbound event written in the same transaction as the
// payment change it describes and relayed to the broker afterwards.
//
// Status moves Pending → Processing when a relay claims the row and
// Processing → Success once the broker confirms the publish. A failed or
// abandoned claim goes back to Pending. ClaimToken identifies the relay cycle
// that holds the row. TransactionID references payments.id.
type OutboxEntry struct {
	ID            string            `json:"id"             gorm:"type:char(36);primaryKey"`
	TransactionID string            `json:"transaction_id" gorm:"type:char(36);not null;index"`
	Type          string            `json:"type"           gorm:"type:varchar(100);not null"`
	Payload       string            `json:"payload"        gorm:"type:text;not null"`
	Status        TransactionStatus `json:"status"         gorm:"type:varchar(16);not null;index:idx_outbox_status_created,priority:1;check:status IN ('New','Pending','Processing','Success','Failed')"`
	ClaimToken    *string           `json:"-"              gorm:"type:char(36);index"`
	ClaimedAt     *time.Time        `json:"claimed_at,omitempty"`
	PublishedAt   *time.Time        `json:"published_at,omitempty"`
	Attempts      int               `json:"attempts"       gorm:"not null;default:0"`
	LastError     string            `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt     time.Time         `json:"created_at"     gorm:"index:idx_outbox_status_created,priority:2"`
	UpdatedAt     time.Time         `json:"updated_at"`

	Payment *Payment `json:"-" gorm:"foreignKey:TransactionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for OutboxEntry.
func (OutboxEntry) TableName() string { return "outbox_messages" }

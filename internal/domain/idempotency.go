package domain

import "time"

// Idempotency records a claimed (key, user_id) pair and, once the request has
// completed, the response body to replay.
//
// ResultData is nil while the request is in flight. The unique index on
// (key, user_id) is the only arbiter between concurrent identical requests.
// Records are never deleted.
type Idempotency struct {
	ID          string    `gorm:"type:char(36);primaryKey"`
	Key         string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_idempotency_key_user,priority:1"`
	UserID      string    `gorm:"type:char(36);not null;uniqueIndex:ux_idempotency_key_user,priority:2"`
	RequestHash string    `gorm:"type:varchar(200);not null"`
	ResultData  *string   `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency_keys" }

// Completed reports whether a response has been stored.
func (r *Idempotency) Completed() bool { return r != nil && r.ResultData != nil }

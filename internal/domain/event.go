package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types carried in OutboxEntry.Type and used as the broker routing key.
const (
	EventPaymentCreated       = "PaymentCreated"
	EventPaymentStatusChanged = "PaymentStatusChanged"
)

// KnownEventType reports whether t is an event type this service emits.
func KnownEventType(t string) bool {
	return t == EventPaymentCreated || t == EventPaymentStatusChanged
}

// PaymentEvent is the JSON body published to the broker.
type PaymentEvent struct {
	MessageID     string           `json:"messageId"`
	TransactionID string           `json:"transactionId"`
	Type          string           `json:"type"`
	Timestamp     time.Time        `json:"timestamp"`
	Payload       PaymentEventData `json:"payload"`
}

// PaymentEventData describes the payment at the time of the event. Status is
// only set on status-change events.
type PaymentEventData struct {
	Amount     decimal.Decimal   `json:"amount"`
	Currency   string            `json:"currency"`
	UserID     string            `json:"userId"`
	ProviderID int               `json:"providerId"`
	Status     TransactionStatus `json:"status,omitempty"`
}

// EventLog is an append-only audit row. It is written once and never updated.
type EventLog struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	TransactionID string    `json:"transaction_id" gorm:"type:char(36);not null;index"`
	EventType     string    `json:"event_type"     gorm:"type:varchar(100);not null"`
	Payload       string    `json:"payload"        gorm:"type:text;not null"`
	CreatedAt     time.Time `json:"created_at"`

	Payment *Payment `json:"-" gorm:"foreignKey:TransactionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for EventLog.
func (EventLog) TableName() string { return "event_logs" }

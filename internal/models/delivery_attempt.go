package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryAttempt is the audit record for a single dispatch. One row is
// written per HTTP attempt regardless of outcome; rows are purged
// together with their event by the retention cleanup.
type DeliveryAttempt struct {
	ID             int64        `gorm:"primary_key;autoIncrement" json:"id"`
	WebhookEventID uuid.UUID    `gorm:"type:uuid;not null" json:"webhook_event_id"`
	WebhookEvent   WebhookEvent `gorm:"foreignKey:WebhookEventID" json:"webhook_event,omitempty"`
	AttemptNo      int          `gorm:"not null" json:"attempt_no"`
	HTTPStatus     *int         `gorm:"type:integer" json:"http_status"`
	LatencyMs      int          `gorm:"not null" json:"latency_ms"`
	Error          *string      `json:"error"`
	CreatedAt      time.Time    `gorm:"default:now()" json:"created_at"`
}

func (DeliveryAttempt) TableName() string {
	return "webhook_delivery_attempts"
}

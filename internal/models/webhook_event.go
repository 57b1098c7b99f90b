package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventStatusPending   = "pending"
	EventStatusDelivered = "delivered"
	EventStatusFailed    = "failed"
)

// WebhookEvent is one notification queued for delivery to a webhook.
// Producers insert rows with status=pending and attempts=0; only the
// batch processor mutates them afterwards. delivered and failed are
// terminal and never re-entered.
type WebhookEvent struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	WebhookID   uuid.UUID       `gorm:"type:uuid;not null" json:"webhook_id"`
	Webhook     Webhook         `gorm:"foreignKey:WebhookID" json:"webhook,omitempty"`
	TenantID    uuid.UUID       `gorm:"type:uuid;not null" json:"tenant_id"`
	EventType   string          `gorm:"not null" json:"event_type"`
	Payload     json.RawMessage `gorm:"type:jsonb" json:"payload"`
	Status      string          `gorm:"not null;default:'pending'" json:"status"`
	Attempts    int             `gorm:"not null;default:0" json:"attempts"`
	NextRetryAt *time.Time      `json:"next_retry_at"`
	LastError   *string         `json:"last_error"`
	CreatedAt   time.Time       `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null;default:now()" json:"updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// IsTerminal reports whether the event reached a final state.
func (e *WebhookEvent) IsTerminal() bool {
	return e.Status == EventStatusDelivered || e.Status == EventStatusFailed
}

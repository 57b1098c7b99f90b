package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	WebhookStatusActive   = "active"
	WebhookStatusInactive = "inactive"
)

// Webhook is a registered subscriber endpoint. Rows are created and
// deleted by the subscription CRUD service; the delivery worker only
// mutates the health columns after each attempt.
type Webhook struct {
	ID            uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	TenantID      uuid.UUID  `gorm:"type:uuid;not null" json:"tenant_id"`
	URL           string     `gorm:"not null" json:"url"`
	Status        string     `gorm:"not null;default:'active'" json:"status"`
	FailureCount  int        `gorm:"not null;default:0" json:"failure_count"`
	LastSuccessAt *time.Time `json:"last_success_at"`
	LastFailureAt *time.Time `json:"last_failure_at"`
	CreatedAt     time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (Webhook) TableName() string {
	return "webhooks"
}

// IsActive reports whether the webhook is eligible to receive deliveries.
func (w *Webhook) IsActive() bool {
	return w.Status == WebhookStatusActive
}

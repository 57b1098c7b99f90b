package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/contabhub/onety-sub019/internal/models"
)

// Store is the persistence boundary of the delivery worker. The worker
// never touches GORM directly; everything goes through this interface so
// tests can run against the in-memory implementation.
type Store interface {
	// FetchDueEvents returns pending events whose webhook is active and
	// whose next_retry_at is unset or due, oldest-created first, capped
	// at limit. The filter must stay in sync with worker.IsRetryEligible.
	FetchDueEvents(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error)

	// HasDueEvent is the cheap existence probe used before taking the lock.
	HasDueEvent(ctx context.Context, now time.Time) (bool, error)

	// EarliestRetryAt returns the smallest next_retry_at among pending
	// events, or nil when no retry is scheduled.
	EarliestRetryAt(ctx context.Context) (*time.Time, error)

	GetWebhook(ctx context.Context, id uuid.UUID) (*models.Webhook, error)
	CountActiveWebhooks(ctx context.Context) (int64, error)

	// InsertEvent is the producer-facing contract: a new pending event
	// with zero attempts.
	InsertEvent(ctx context.Context, event *models.WebhookEvent) error

	// MarkDelivered finalizes an event after a successful dispatch and
	// resets the webhook's failure count.
	MarkDelivered(ctx context.Context, eventID uuid.UUID, attempts int, at time.Time) error

	// ScheduleRetry keeps the event pending with an incremented attempt
	// count and a future next_retry_at.
	ScheduleRetry(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt time.Time, lastError string) error

	// MarkFailed moves an event to its terminal failed state.
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, lastError string) error

	RecordWebhookSuccess(ctx context.Context, webhookID uuid.UUID, at time.Time) error
	RecordWebhookFailure(ctx context.Context, webhookID uuid.UUID, at time.Time) error

	RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error

	// DeleteTerminalBefore removes delivered/failed events created before
	// the cutoff, along with their attempt audit rows. Pending rows are
	// never touched.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// ClearRetrySchedule nulls next_retry_at on up to limit pending
	// events so they become due immediately. Operator escape hatch.
	ClearRetrySchedule(ctx context.Context, limit int) (int64, error)

	// ReactivateFailed resets up to limit terminally failed events of a
	// tenant back to pending with zero attempts. Operator escape hatch.
	ReactivateFailed(ctx context.Context, tenantID uuid.UUID, limit int) (int64, error)

	CountEventsByStatus(ctx context.Context) (map[string]int64, error)

	ListEvents(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]models.WebhookEvent, error)
}

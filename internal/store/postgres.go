package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/contabhub/onety-sub019/internal/config"
	"github.com/contabhub/onety-sub019/internal/models"
)

// ErrWebhookNotFound is returned when a webhook row no longer exists,
// typically because the subscription was deleted concurrently.
var ErrWebhookNotFound = errors.New("webhook not found")

// GormStore is the Postgres-backed Store implementation.
type GormStore struct {
	db  *gorm.DB
	cfg config.WorkerConfig
}

func NewGormStore(db *gorm.DB, cfg config.WorkerConfig) *GormStore {
	return &GormStore{db: db, cfg: cfg}
}

// dueConditions mirrors worker.IsRetryEligible. Both must change together.
const dueConditions = `
	webhook_events.status = 'pending'
	AND webhooks.status = 'active'
	AND webhook_events.attempts < ?
	AND webhook_events.created_at > ?
	AND (webhook_events.next_retry_at IS NULL OR webhook_events.next_retry_at <= ?)`

// scheduledConditions is dueConditions without the next_retry_at bound:
// rows that will come due rather than rows due now. An event no batch
// would ever select must not drive the wake timer either, or a single
// aged-out or exhausted row keeps every replica polling forever.
const scheduledConditions = `
	webhook_events.status = 'pending'
	AND webhooks.status = 'active'
	AND webhook_events.attempts < ?
	AND webhook_events.created_at > ?
	AND webhook_events.next_retry_at IS NOT NULL`

func (s *GormStore) FetchDueEvents(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent

	err := s.db.WithContext(ctx).
		Joins("JOIN webhooks ON webhooks.id = webhook_events.webhook_id").
		Where(dueConditions, s.cfg.MaxAttempts, now.Add(-s.cfg.MaxEventAge), now).
		Order("webhook_events.created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due events: %w", err)
	}

	return events, nil
}

func (s *GormStore) HasDueEvent(ctx context.Context, now time.Time) (bool, error) {
	var count int64

	err := s.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Joins("JOIN webhooks ON webhooks.id = webhook_events.webhook_id").
		Where(dueConditions, s.cfg.MaxAttempts, now.Add(-s.cfg.MaxEventAge), now).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to probe for due events: %w", err)
	}

	return count > 0, nil
}

func (s *GormStore) EarliestRetryAt(ctx context.Context) (*time.Time, error) {
	var next *time.Time
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Joins("JOIN webhooks ON webhooks.id = webhook_events.webhook_id").
		Where(scheduledConditions, s.cfg.MaxAttempts, now.Add(-s.cfg.MaxEventAge)).
		Select("MIN(webhook_events.next_retry_at)").
		Scan(&next).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query earliest retry: %w", err)
	}

	return next, nil
}

func (s *GormStore) GetWebhook(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	var webhook models.Webhook

	err := s.db.WithContext(ctx).Where("id = ?", id).First(&webhook).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWebhookNotFound
		}
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}

	return &webhook, nil
}

func (s *GormStore) CountActiveWebhooks(ctx context.Context) (int64, error) {
	var count int64

	err := s.db.WithContext(ctx).
		Model(&models.Webhook{}).
		Where("status = ?", models.WebhookStatusActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active webhooks: %w", err)
	}

	return count, nil
}

func (s *GormStore) InsertEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.Status = models.EventStatusPending
	event.Attempts = 0

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

func (s *GormStore) MarkDelivered(ctx context.Context, eventID uuid.UUID, attempts int, at time.Time) error {
	return s.updateEvent(ctx, eventID, map[string]interface{}{
		"status":        models.EventStatusDelivered,
		"attempts":      attempts,
		"next_retry_at": nil,
		"updated_at":    at,
	})
}

func (s *GormStore) ScheduleRetry(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt time.Time, lastError string) error {
	return s.updateEvent(ctx, eventID, map[string]interface{}{
		"status":        models.EventStatusPending,
		"attempts":      attempts,
		"next_retry_at": nextRetryAt,
		"last_error":    lastError,
		"updated_at":    time.Now().UTC(),
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, lastError string) error {
	return s.updateEvent(ctx, eventID, map[string]interface{}{
		"status":        models.EventStatusFailed,
		"attempts":      attempts,
		"next_retry_at": nil,
		"last_error":    lastError,
		"updated_at":    time.Now().UTC(),
	})
}

func (s *GormStore) updateEvent(ctx context.Context, eventID uuid.UUID, updates map[string]interface{}) error {
	err := s.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", eventID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update webhook event %s: %w", eventID, err)
	}
	return nil
}

func (s *GormStore) RecordWebhookSuccess(ctx context.Context, webhookID uuid.UUID, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.Webhook{}).
		Where("id = ?", webhookID).
		Updates(map[string]interface{}{
			"failure_count":   0,
			"last_success_at": at,
			"updated_at":      at,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record webhook success: %w", err)
	}
	return nil
}

func (s *GormStore) RecordWebhookFailure(ctx context.Context, webhookID uuid.UUID, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.Webhook{}).
		Where("id = ?", webhookID).
		Updates(map[string]interface{}{
			"failure_count":   gorm.Expr("failure_count + 1"),
			"last_failure_at": at,
			"updated_at":      at,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return nil
}

func (s *GormStore) RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Exec(`
			DELETE FROM webhook_delivery_attempts
			WHERE webhook_event_id IN (
				SELECT id FROM webhook_events
				WHERE status IN ('delivered', 'failed') AND created_at < ?
			)`, cutoff).Error
		if err != nil {
			return fmt.Errorf("failed to purge attempt logs: %w", err)
		}

		res := tx.Exec(`
			DELETE FROM webhook_events
			WHERE status IN ('delivered', 'failed') AND created_at < ?`, cutoff)
		if res.Error != nil {
			return fmt.Errorf("failed to purge terminal events: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})

	return deleted, err
}

func (s *GormStore) ClearRetrySchedule(ctx context.Context, limit int) (int64, error) {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE webhook_events
		SET next_retry_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE status = 'pending' AND next_retry_at IS NOT NULL
			ORDER BY created_at ASC
			LIMIT ?
		)`, limit)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear retry schedule: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) ReactivateFailed(ctx context.Context, tenantID uuid.UUID, limit int) (int64, error) {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE webhook_events
		SET status = 'pending', attempts = 0, next_retry_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE status = 'failed' AND tenant_id = ?
			ORDER BY created_at ASC
			LIMIT ?
		)`, tenantID, limit)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reactivate failed events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) CountEventsByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row

	err := s.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count events by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *GormStore) ListEvents(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent

	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}

	return events, nil
}

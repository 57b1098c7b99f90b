package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contabhub/onety-sub019/internal/config"
	"github.com/contabhub/onety-sub019/internal/models"
)

// Memory is an in-memory Store used by tests. It applies the same due
// filter as the Postgres implementation.
type Memory struct {
	mu       sync.Mutex
	cfg      config.WorkerConfig
	webhooks map[uuid.UUID]*models.Webhook
	events   map[uuid.UUID]*models.WebhookEvent
	attempts []models.DeliveryAttempt
}

func NewMemory(cfg config.WorkerConfig) *Memory {
	return &Memory{
		cfg:      cfg,
		webhooks: map[uuid.UUID]*models.Webhook{},
		events:   map[uuid.UUID]*models.WebhookEvent{},
	}
}

// PutWebhook seeds a subscription.
func (m *Memory) PutWebhook(w models.Webhook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := w
	m.webhooks[w.ID] = &cp
}

// Event returns a copy of an event for assertions.
func (m *Memory) Event(id uuid.UUID) (models.WebhookEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return models.WebhookEvent{}, false
	}
	return *ev, true
}

// WebhookByID returns a copy of a subscription for assertions.
func (m *Memory) WebhookByID(id uuid.UUID) (models.Webhook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return models.Webhook{}, false
	}
	return *w, true
}

// Attempts returns the recorded audit rows.
func (m *Memory) Attempts() []models.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DeliveryAttempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

// eligible applies the status/subscription/attempts/age gate shared by
// the due and schedule queries, matching scheduledConditions.
func (m *Memory) eligible(ev *models.WebhookEvent, now time.Time) bool {
	if ev.Status != models.EventStatusPending {
		return false
	}
	w, ok := m.webhooks[ev.WebhookID]
	if !ok || !w.IsActive() {
		return false
	}
	if ev.Attempts >= m.cfg.MaxAttempts {
		return false
	}
	if now.Sub(ev.CreatedAt) > m.cfg.MaxEventAge {
		return false
	}
	return true
}

func (m *Memory) isDue(ev *models.WebhookEvent, now time.Time) bool {
	if !m.eligible(ev, now) {
		return false
	}
	if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
		return false
	}
	return true
}

func (m *Memory) FetchDueEvents(_ context.Context, now time.Time, limit int) ([]models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.WebhookEvent
	for _, ev := range m.events {
		if m.isDue(ev, now) {
			due = append(due, *ev)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) HasDueEvent(_ context.Context, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if m.isDue(ev, now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) EarliestRetryAt(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var earliest *time.Time
	for _, ev := range m.events {
		if ev.NextRetryAt == nil || !m.eligible(ev, now) {
			continue
		}
		if earliest == nil || ev.NextRetryAt.Before(*earliest) {
			t := *ev.NextRetryAt
			earliest = &t
		}
	}
	return earliest, nil
}

func (m *Memory) GetWebhook(_ context.Context, id uuid.UUID) (*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) CountActiveWebhooks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, w := range m.webhooks {
		if w.IsActive() {
			count++
		}
	}
	return count, nil
}

func (m *Memory) InsertEvent(_ context.Context, event *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.Status = models.EventStatusPending
	event.Attempts = 0
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	cp := *event
	m.events[event.ID] = &cp
	return nil
}

func (m *Memory) MarkDelivered(_ context.Context, eventID uuid.UUID, attempts int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[eventID]; ok {
		ev.Status = models.EventStatusDelivered
		ev.Attempts = attempts
		ev.NextRetryAt = nil
		ev.UpdatedAt = at
	}
	return nil
}

func (m *Memory) ScheduleRetry(_ context.Context, eventID uuid.UUID, attempts int, nextRetryAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[eventID]; ok {
		ev.Status = models.EventStatusPending
		ev.Attempts = attempts
		t := nextRetryAt
		ev.NextRetryAt = &t
		e := lastError
		ev.LastError = &e
		ev.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, eventID uuid.UUID, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[eventID]; ok {
		ev.Status = models.EventStatusFailed
		ev.Attempts = attempts
		ev.NextRetryAt = nil
		e := lastError
		ev.LastError = &e
		ev.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) RecordWebhookSuccess(_ context.Context, webhookID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.webhooks[webhookID]; ok {
		w.FailureCount = 0
		t := at
		w.LastSuccessAt = &t
		w.UpdatedAt = at
	}
	return nil
}

func (m *Memory) RecordWebhookFailure(_ context.Context, webhookID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.webhooks[webhookID]; ok {
		w.FailureCount++
		t := at
		w.LastFailureAt = &t
		w.UpdatedAt = at
	}
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, attempt *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt.ID = int64(len(m.attempts) + 1)
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	removed := map[uuid.UUID]bool{}
	for id, ev := range m.events {
		if ev.IsTerminal() && ev.CreatedAt.Before(cutoff) {
			delete(m.events, id)
			removed[id] = true
			deleted++
		}
	}
	if len(removed) > 0 {
		kept := m.attempts[:0]
		for _, a := range m.attempts {
			if !removed[a.WebhookEventID] {
				kept = append(kept, a)
			}
		}
		m.attempts = kept
	}
	return deleted, nil
}

func (m *Memory) ClearRetrySchedule(_ context.Context, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var scheduled []*models.WebhookEvent
	for _, ev := range m.events {
		if ev.Status == models.EventStatusPending && ev.NextRetryAt != nil {
			scheduled = append(scheduled, ev)
		}
	}
	sort.Slice(scheduled, func(i, j int) bool { return scheduled[i].CreatedAt.Before(scheduled[j].CreatedAt) })
	if limit > 0 && len(scheduled) > limit {
		scheduled = scheduled[:limit]
	}
	for _, ev := range scheduled {
		ev.NextRetryAt = nil
		ev.UpdatedAt = time.Now().UTC()
	}
	return int64(len(scheduled)), nil
}

func (m *Memory) ReactivateFailed(_ context.Context, tenantID uuid.UUID, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []*models.WebhookEvent
	for _, ev := range m.events {
		if ev.Status == models.EventStatusFailed && ev.TenantID == tenantID {
			failed = append(failed, ev)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	for _, ev := range failed {
		ev.Status = models.EventStatusPending
		ev.Attempts = 0
		ev.NextRetryAt = nil
		ev.LastError = nil
		ev.UpdatedAt = time.Now().UTC()
	}
	return int64(len(failed)), nil
}

func (m *Memory) CountEventsByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, ev := range m.events {
		counts[ev.Status]++
	}
	return counts, nil
}

func (m *Memory) ListEvents(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.WebhookEvent
	for _, ev := range m.events {
		if ev.TenantID == tenantID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []models.WebhookEvent{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contabhub/onety-sub019/internal/config"
	"github.com/contabhub/onety-sub019/internal/locking"
	"github.com/contabhub/onety-sub019/internal/models"
	"github.com/contabhub/onety-sub019/internal/store"
)

func fastWorkerConfig() config.WorkerConfig {
	cfg := testWorkerConfig()
	cfg.DebounceWindow = 10 * time.Millisecond
	cfg.MinWakeDelay = 10 * time.Millisecond
	cfg.IdlePause = time.Hour // keep bootstrap from re-probing mid-test
	return cfg
}

func newTestWorker(cfg config.WorkerConfig, mem *store.Memory, lock locking.Lock) *Worker {
	d := NewDispatcher(&http.Client{Timeout: cfg.DispatchTimeout}, cfg.UserAgent, zap.NewNop())
	p := NewProcessor(mem, d, cfg, zap.NewNop())
	return NewWorker(mem, lock, p, cfg, zap.NewNop())
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestWorkerStartStopLifecycle(t *testing.T) {
	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	w := newTestWorker(cfg, mem, locking.NewMemoryLock())

	assert.Equal(t, StateStopped, w.State())
	require.NoError(t, w.Start())
	assert.Error(t, w.Start(), "double start must be rejected")

	w.Stop()
	assert.Equal(t, StateStopped, w.State())
	w.Stop() // idempotent

	require.NoError(t, w.Start(), "a stopped worker can be restarted")
	w.Stop()
}

func TestWorkerDeliversOnTrigger(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)

	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: srv.URL, Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)

	w := newTestWorker(cfg, mem, locking.NewMemoryLock())
	require.NoError(t, w.Start())
	defer w.Stop()

	eventID := seedPendingEvent(t, mem, webhook.ID)
	w.TriggerNow()

	require.Eventually(t, func() bool {
		ev, ok := mem.Event(eventID)
		return ok && ev.Status == models.EventStatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), hits.Load())
	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.TotalProcessed)
	assert.Equal(t, uint64(1), stats.TotalDelivered)
	assert.False(t, stats.LastRun.IsZero())
}

func TestWorkerCoalescesTriggerBursts(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)

	cfg := fastWorkerConfig()
	cfg.DebounceWindow = 50 * time.Millisecond
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: srv.URL, Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)

	w := newTestWorker(cfg, mem, locking.NewMemoryLock())
	require.NoError(t, w.Start())
	defer w.Stop()

	// Wait for the bootstrap pass to settle so it cannot race the burst.
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, 5*time.Millisecond)

	eventID := seedPendingEvent(t, mem, webhook.ID)
	for i := 0; i < 10; i++ {
		w.TriggerNow()
	}

	require.Eventually(t, func() bool {
		ev, ok := mem.Event(eventID)
		return ok && ev.Status == models.EventStatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), hits.Load(), "burst must coalesce into one dispatch")
	assert.Equal(t, uint64(1), w.Stats().TotalProcessed)
}

func TestWorkerSkipsBatchWhenLockHeldElsewhere(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)

	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: srv.URL, Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)

	lock := locking.NewMemoryLock()
	held, err := lock.TryAcquire(context.Background(), cfg.LockName)
	require.NoError(t, err)
	require.True(t, held)

	w := newTestWorker(cfg, mem, lock)
	require.NoError(t, w.Start())
	defer w.Stop()

	eventID := seedPendingEvent(t, mem, webhook.ID)
	w.TriggerNow()

	// The debounce window plus a processing attempt pass; the other
	// holder still owns the lock so nothing may be dispatched.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(0), hits.Load())
	ev, _ := mem.Event(eventID)
	assert.Equal(t, models.EventStatusPending, ev.Status)
	assert.Equal(t, 0, ev.Attempts)

	// Once the holder releases, the next trigger drains the backlog.
	require.NoError(t, lock.Release(context.Background(), cfg.LockName))
	w.TriggerNow()

	require.Eventually(t, func() bool {
		ev, ok := mem.Event(eventID)
		return ok && ev.Status == models.EventStatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())
}

func TestWorkerWakesForScheduledRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := fastWorkerConfig()
	cfg.BackoffBase = 30 * time.Millisecond
	cfg.BackoffCap = 300 * time.Millisecond
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: srv.URL, Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)

	w := newTestWorker(cfg, mem, locking.NewMemoryLock())
	require.NoError(t, w.Start())
	defer w.Stop()

	eventID := seedPendingEvent(t, mem, webhook.ID)
	w.TriggerNow()

	// First attempt fails, the worker arms a wake timer for the retry
	// and the second attempt succeeds without any further trigger.
	require.Eventually(t, func() bool {
		ev, ok := mem.Event(eventID)
		return ok && ev.Status == models.EventStatusDelivered
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(2), hits.Load())
	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.TotalRetried)
	assert.Equal(t, uint64(1), stats.TotalDelivered)
}

func TestWorkerPicksUpEventInsertedDuringBatch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: srv.URL, Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)

	w := newTestWorker(cfg, mem, locking.NewMemoryLock())
	require.NoError(t, w.Start())
	defer w.Stop()

	first := seedPendingEvent(t, mem, webhook.ID)
	w.TriggerNow()
	require.Eventually(t, func() bool { return w.State() == StateProcessing }, time.Second, time.Millisecond)

	// A producer inserts while the first delivery is in flight. Its
	// trigger debounces into a processing attempt that cannot take the
	// self-held lock; the event must still be picked up afterwards
	// without waiting for the cleanup tick.
	second := seedPendingEvent(t, mem, webhook.ID)
	w.TriggerNow()

	require.Eventually(t, func() bool {
		a, okA := mem.Event(first)
		b, okB := mem.Event(second)
		return okA && okB &&
			a.Status == models.EventStatusDelivered &&
			b.Status == models.EventStatusDelivered
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), hits.Load())
}

func TestWorkerIdlesWhenOnlyAgedOutRetryRemains(t *testing.T) {
	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: "http://localhost:1", Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)

	// A pending event past the age window with an overdue retry time:
	// no batch will ever select it, so it must not drive the wake timer
	// into a permanent poll loop either.
	stale := &models.WebhookEvent{
		WebhookID: webhook.ID,
		TenantID:  uuid.New(),
		EventType: "invoice.created",
		Payload:   json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC().Add(-25 * time.Hour),
	}
	require.NoError(t, mem.InsertEvent(context.Background(), stale))
	require.NoError(t, mem.ScheduleRetry(context.Background(), stale.ID, 1, time.Now().UTC().Add(-time.Hour), "HTTP 500"))

	w := newTestWorker(cfg, mem, locking.NewMemoryLock())
	require.NoError(t, w.Start())
	defer w.Stop()

	w.TriggerNow()
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, 5*time.Millisecond)

	// Stays idle rather than re-arming off the unreachable retry.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateIdle, w.State())
	ev, _ := mem.Event(stale.ID)
	assert.Equal(t, 1, ev.Attempts, "aged-out event must not be dispatched")
}

func TestWorkerIdlesWithNothingScheduled(t *testing.T) {
	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: "http://localhost:1", Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)

	w := newTestWorker(cfg, mem, locking.NewMemoryLock())
	require.NoError(t, w.Start())
	defer w.Stop()

	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestWorkerRetryNowClearsSchedule(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)

	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: srv.URL, Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)
	eventID := seedPendingEvent(t, mem, webhook.ID)

	// Park the event behind a far-future retry time.
	far := time.Now().UTC().Add(time.Hour)
	require.NoError(t, mem.ScheduleRetry(context.Background(), eventID, 1, far, "HTTP 500"))

	w := newTestWorker(cfg, mem, locking.NewMemoryLock())
	require.NoError(t, w.Start())
	defer w.Stop()

	cleared, err := w.RetryNow(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	require.Eventually(t, func() bool {
		ev, ok := mem.Event(eventID)
		return ok && ev.Status == models.EventStatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())
}

func TestWorkerReprocessTenantResetsFailedEvents(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)

	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	webhook := models.Webhook{ID: uuid.New(), TenantID: uuid.New(), URL: srv.URL, Status: models.WebhookStatusActive}
	mem.PutWebhook(webhook)

	tenantID := uuid.New()
	ev := &models.WebhookEvent{WebhookID: webhook.ID, TenantID: tenantID, EventType: "invoice.created", Payload: json.RawMessage(`{}`)}
	require.NoError(t, mem.InsertEvent(context.Background(), ev))
	require.NoError(t, mem.MarkFailed(context.Background(), ev.ID, 3, "HTTP 500"))

	otherTenant := &models.WebhookEvent{WebhookID: webhook.ID, TenantID: uuid.New(), EventType: "invoice.created", Payload: json.RawMessage(`{}`)}
	require.NoError(t, mem.InsertEvent(context.Background(), otherTenant))
	require.NoError(t, mem.MarkFailed(context.Background(), otherTenant.ID, 3, "HTTP 500"))

	w := newTestWorker(cfg, mem, locking.NewMemoryLock())
	require.NoError(t, w.Start())
	defer w.Stop()

	reset, err := w.ReprocessTenant(context.Background(), tenantID, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset, "only the requested tenant's events are reset")

	require.Eventually(t, func() bool {
		got, ok := mem.Event(ev.ID)
		return ok && got.Status == models.EventStatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())

	other, _ := mem.Event(otherTenant.ID)
	assert.Equal(t, models.EventStatusFailed, other.Status)
}

func TestWorkerTriggerIgnoredWhenStopped(t *testing.T) {
	cfg := fastWorkerConfig()
	mem := store.NewMemory(cfg)
	w := newTestWorker(cfg, mem, locking.NewMemoryLock())

	w.TriggerNow()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, uint64(0), w.Stats().TotalProcessed)
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contabhub/onety-sub019/internal/config"
	"github.com/contabhub/onety-sub019/internal/locking"
	"github.com/contabhub/onety-sub019/internal/store"
)

// State is the worker lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateIdle       State = "idle"       // no timer armed, waits for TriggerNow
	StateWaiting    State = "waiting"    // wake timer armed for the next due retry
	StateProcessing State = "processing" // holds the lock, running a batch
)

// storeOpTimeout bounds the scheduling queries that run outside a batch.
const storeOpTimeout = 10 * time.Second

// Stats are the lifetime counters of one worker instance.
type Stats struct {
	TotalProcessed uint64    `json:"total_processed"`
	TotalDelivered uint64    `json:"total_delivered"`
	TotalFailed    uint64    `json:"total_failed"`
	TotalRetried   uint64    `json:"total_retried"`
	Errors         uint64    `json:"errors"`
	LastRun        time.Time `json:"last_run"`
}

// Worker owns the delivery lifecycle of one process instance: debounced
// triggering, lock-guarded batch processing, self-adjusting wake
// scheduling and periodic retention cleanup. Mutual exclusion across
// replicas comes entirely from the injected Lock; within the process the
// worker is timer-driven and never runs two batches at once.
type Worker struct {
	cfg       config.WorkerConfig
	store     store.Store
	lock      locking.Lock
	processor *Processor
	logger    *zap.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         State
	debounceTimer *time.Timer
	wakeTimer     *time.Timer
	pauseTimer    *time.Timer
	cleanupDone   chan struct{}
	stats         Stats
}

func NewWorker(s store.Store, lock locking.Lock, processor *Processor, cfg config.WorkerConfig, logger *zap.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		store:     s,
		lock:      lock,
		processor: processor,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		state:     StateStopped,
	}
}

// Start brings the worker out of Stopped, arms the cleanup timer and
// kicks off an initial processing pass. When no active webhooks exist
// at all it pauses for IdlePause before probing again instead of
// spinning.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	w.state = StateIdle
	done := make(chan struct{})
	w.cleanupDone = done
	w.mu.Unlock()

	w.logger.Info("Webhook delivery worker starting",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("max_attempts", w.cfg.MaxAttempts),
		zap.String("lock_name", w.cfg.LockName),
	)

	go w.cleanupLoop(done)
	go w.bootstrap()
	return nil
}

// bootstrap probes for active webhooks and either runs the first
// processing pass or re-arms itself after the idle pause.
func (w *Worker) bootstrap() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	count, err := w.store.CountActiveWebhooks(ctx)
	cancel()

	if err == nil && count > 0 {
		w.processWithLock()
		return
	}

	if err != nil {
		w.recordError()
		w.logger.Error("Failed to count active webhooks", zap.Error(err))
	} else {
		w.logger.Info("No active webhooks, pausing before re-check",
			zap.Duration("pause", w.cfg.IdlePause),
		)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return
	}
	w.pauseTimer = time.AfterFunc(w.cfg.IdlePause, w.bootstrap)
}

// Stop cancels every outstanding timer deterministically and moves to
// Stopped. An in-flight dispatch is not cancelled; its result is still
// recorded when it completes.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = StateStopped
	w.stopTimerLocked(&w.debounceTimer)
	w.stopTimerLocked(&w.wakeTimer)
	w.stopTimerLocked(&w.pauseTimer)
	done := w.cleanupDone
	w.cleanupDone = nil
	w.mu.Unlock()

	if done != nil {
		close(done)
	}
	w.logger.Info("Webhook delivery worker stopped")
}

func (w *Worker) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// TriggerNow is the producer entry point after inserting a pending
// event. Bursts within the debounce window coalesce into a single
// processing attempt.
func (w *Worker) TriggerNow() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return
	}
	if w.debounceTimer != nil {
		// A trigger is already pending; this burst folds into it.
		return
	}
	w.debounceTimer = time.AfterFunc(w.cfg.DebounceWindow, func() {
		w.mu.Lock()
		w.debounceTimer = nil
		stopped := w.state == StateStopped
		w.mu.Unlock()
		if stopped {
			return
		}
		w.processWithLock()
	})
}

// processWithLock tries the shared lock exactly once. Not getting it
// means another replica owns processing right now; that is a routine
// outcome and the worker just reschedules from the store.
func (w *Worker) processWithLock() {
	ctx := context.Background()

	acquired, err := w.lock.TryAcquire(ctx, w.cfg.LockName)
	if err != nil {
		w.recordError()
		w.logger.Error("Failed to attempt lock acquisition", zap.Error(err))
		w.scheduleNextFromStore()
		return
	}
	if !acquired {
		w.logger.Debug("Delivery lock held by another instance, rescheduling")
		w.scheduleNextFromStore()
		return
	}

	w.setState(StateProcessing)
	defer func() {
		if err := w.lock.Release(ctx, w.cfg.LockName); err != nil {
			w.logger.Error("Failed to release delivery lock", zap.Error(err))
		}
	}()

	w.runBatch(ctx)
}

// runBatch probes for due work, delegates to the batch processor and
// always finishes by arming the next wake-up.
func (w *Worker) runBatch(ctx context.Context) {
	defer w.scheduleNextFromStore()

	probeCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	due, err := w.store.HasDueEvent(probeCtx, w.now())
	cancel()
	if err != nil {
		w.recordError()
		w.logger.Error("Failed to probe for due events", zap.Error(err))
		return
	}
	if !due {
		return
	}

	result, err := w.processor.ProcessBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		w.recordError()
		w.logger.Error("Batch processing failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.stats.TotalProcessed += uint64(result.Processed)
	w.stats.TotalDelivered += uint64(result.Delivered)
	w.stats.TotalFailed += uint64(result.Failed)
	w.stats.TotalRetried += uint64(result.Retried)
	w.stats.LastRun = w.now()
	w.mu.Unlock()

	if result.Processed > 0 {
		w.logger.Info("Batch processed",
			zap.Int("processed", result.Processed),
			zap.Int("delivered", result.Delivered),
			zap.Int("failed", result.Failed),
			zap.Int("retried", result.Retried),
			zap.Duration("elapsed", result.Elapsed),
		)
	}
}

// scheduleNextFromStore arms a one-shot wake timer from the store's
// view of pending work. Work that is already due (a trigger whose
// debounce fired while the lock was held, or a batch that left a
// backlog behind) re-arms after MinWakeDelay; otherwise the earliest
// pending retry does, clamped to [MinWakeDelay, MaxWakeDelay]. With
// neither the worker goes Idle and only wakes on TriggerNow or the
// next cleanup pass.
func (w *Worker) scheduleNextFromStore() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	due, err := w.store.HasDueEvent(ctx, w.now())
	var next *time.Time
	if err == nil && !due {
		next, err = w.store.EarliestRetryAt(ctx)
	}
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return
	}

	if err != nil {
		w.stats.Errors++
		w.logger.Error("Failed to query schedule, arming fallback wake", zap.Error(err))
		w.armWakeLocked(w.cfg.MaxWakeDelay)
		return
	}

	if due {
		w.armWakeLocked(w.cfg.MinWakeDelay)
		w.logger.Debug("Due work remains, rearming wake",
			zap.Duration("delay", w.cfg.MinWakeDelay),
		)
		return
	}

	if next == nil {
		w.state = StateIdle
		w.logger.Debug("No retries scheduled, worker idle")
		return
	}

	delay := time.Until(*next)
	if delay < w.cfg.MinWakeDelay {
		delay = w.cfg.MinWakeDelay
	}
	if delay > w.cfg.MaxWakeDelay {
		delay = w.cfg.MaxWakeDelay
	}
	w.armWakeLocked(delay)
	w.logger.Debug("Next wake scheduled",
		zap.Duration("delay", delay),
		zap.Time("next_retry_at", *next),
	)
}

func (w *Worker) armWakeLocked(delay time.Duration) {
	w.stopTimerLocked(&w.wakeTimer)
	w.wakeTimer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		w.wakeTimer = nil
		stopped := w.state == StateStopped
		w.mu.Unlock()
		if stopped {
			return
		}
		w.processWithLock()
	})
	w.state = StateWaiting
}

// cleanupLoop purges terminal events older than the retention window.
// It runs independent of the lock: the delete is idempotent, commutative
// and never touches pending rows. Each pass also triggers a processing
// attempt so long-idle workers eventually notice events that were
// inserted without a trigger.
func (w *Worker) cleanupLoop(done chan struct{}) {
	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.runCleanup()
			w.TriggerNow()
		}
	}
}

func (w *Worker) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := w.now().Add(-w.cfg.Retention)
	deleted, err := w.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		w.recordError()
		w.logger.Error("Retention cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		w.logger.Info("Retention cleanup complete",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}

// ForceProcess runs an immediate processing attempt regardless of the
// schedule. Operator escape hatch; still honors the lock.
func (w *Worker) ForceProcess() {
	w.mu.Lock()
	stopped := w.state == StateStopped
	w.mu.Unlock()
	if stopped {
		return
	}
	go w.processWithLock()
}

// RetryNow clears next_retry_at on up to limit pending events and
// triggers a pass so they are retried immediately.
func (w *Worker) RetryNow(ctx context.Context, limit int) (int64, error) {
	cleared, err := w.store.ClearRetrySchedule(ctx, limit)
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		w.TriggerNow()
	}
	return cleared, nil
}

// ReprocessTenant resets up to limit terminally failed events of a
// tenant back into the pending pool and triggers a pass.
func (w *Worker) ReprocessTenant(ctx context.Context, tenantID uuid.UUID, limit int) (int64, error) {
	reset, err := w.store.ReactivateFailed(ctx, tenantID, limit)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		w.TriggerNow()
	}
	return reset, nil
}

// Stats returns a snapshot of the lifetime counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.state != StateStopped {
		w.state = s
	}
	w.mu.Unlock()
}

func (w *Worker) recordError() {
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}

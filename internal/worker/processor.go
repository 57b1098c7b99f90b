package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/contabhub/onety-sub019/internal/config"
	"github.com/contabhub/onety-sub019/internal/models"
	"github.com/contabhub/onety-sub019/internal/store"
)

// BatchResult aggregates the counters of one ProcessBatch run.
type BatchResult struct {
	Processed int
	Delivered int
	Failed    int
	Retried   int
	Elapsed   time.Duration
}

// Processor drains one batch of due events. Events are dispatched
// sequentially, paced by a token bucket so a full batch cannot hammer
// subscribers or hold the lock for an unpredictable time.
type Processor struct {
	store      store.Store
	dispatcher *Dispatcher
	limiter    *rate.Limiter
	cfg        config.WorkerConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewProcessor(s store.Store, d *Dispatcher, cfg config.WorkerConfig, logger *zap.Logger) *Processor {
	return &Processor{
		store:      s,
		dispatcher: d,
		limiter:    rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1),
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch fetches up to limit due events and processes each one.
// Per-event errors are logged and counted but never abort the batch;
// only a failure of the initial fetch propagates to the caller.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	start := p.now()
	result := BatchResult{}

	events, err := p.store.FetchDueEvents(ctx, start, limit)
	if err != nil {
		return result, fmt.Errorf("failed to fetch due events: %w", err)
	}

	for i := range events {
		if err := p.limiter.Wait(ctx); err != nil {
			// Context cancelled mid-batch; stop without touching the
			// remaining events, they stay due for the next holder.
			break
		}

		outcome, err := p.processEvent(ctx, &events[i])
		result.Processed++
		switch {
		case err != nil:
			result.Failed++
			p.logger.Error("Failed to process webhook event",
				zap.String("event_id", events[i].ID.String()),
				zap.Error(err),
			)
		case outcome == outcomeDelivered:
			result.Delivered++
		case outcome == outcomeRetried:
			result.Retried++
		default:
			result.Failed++
		}
	}

	result.Elapsed = p.now().Sub(start)
	return result, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetried
	outcomeFailed
)

// processEvent performs one dispatch for one event and records exactly
// one of delivered / failed / pending-with-new-retry-time.
func (p *Processor) processEvent(ctx context.Context, event *models.WebhookEvent) (outcome, error) {
	webhook, err := p.store.GetWebhook(ctx, event.WebhookID)
	if err != nil {
		if errors.Is(err, store.ErrWebhookNotFound) {
			// Subscription deleted since the batch was selected.
			if err := p.store.MarkFailed(ctx, event.ID, event.Attempts, "webhook subscription deleted"); err != nil {
				return outcomeFailed, err
			}
			return outcomeFailed, nil
		}
		return outcomeFailed, err
	}

	if !webhook.IsActive() {
		// Subscription deactivated since the batch was selected.
		if err := p.store.MarkFailed(ctx, event.ID, event.Attempts, "webhook subscription inactive"); err != nil {
			return outcomeFailed, err
		}
		p.logger.Info("Webhook inactive, event failed without dispatch",
			zap.String("event_id", event.ID.String()),
			zap.String("webhook_id", webhook.ID.String()),
		)
		return outcomeFailed, nil
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	res := p.dispatcher.Dispatch(dispatchCtx, webhook.URL, event)
	cancel()

	newAttempts := event.Attempts + 1
	now := p.now()

	errMsg := res.ErrorMessage()
	attempt := &models.DeliveryAttempt{
		WebhookEventID: event.ID,
		AttemptNo:      newAttempts,
		HTTPStatus:     res.StatusPtr(),
		LatencyMs:      int(res.Elapsed.Milliseconds()),
	}
	if errMsg != "" {
		attempt.Error = &errMsg
	}
	if err := p.store.RecordAttempt(ctx, attempt); err != nil {
		p.logger.Error("Failed to record delivery attempt",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}

	if res.Success {
		if err := p.store.MarkDelivered(ctx, event.ID, newAttempts, now); err != nil {
			return outcomeFailed, err
		}
		if err := p.store.RecordWebhookSuccess(ctx, webhook.ID, now); err != nil {
			return outcomeFailed, err
		}
		p.logger.Info("Webhook delivered",
			zap.String("event_id", event.ID.String()),
			zap.Int("attempts", newAttempts),
			zap.Int("http_status", res.StatusCode),
			zap.Duration("latency", res.Elapsed),
		)
		return outcomeDelivered, nil
	}

	if newAttempts >= p.cfg.MaxAttempts {
		if err := p.store.MarkFailed(ctx, event.ID, newAttempts, errMsg); err != nil {
			return outcomeFailed, err
		}
		if err := p.store.RecordWebhookFailure(ctx, webhook.ID, now); err != nil {
			return outcomeFailed, err
		}
		p.logger.Warn("Webhook delivery failed permanently",
			zap.String("event_id", event.ID.String()),
			zap.Int("attempts", newAttempts),
			zap.String("last_error", errMsg),
		)
		return outcomeFailed, nil
	}

	nextRetryAt := now.Add(BackoffDelay(newAttempts, p.cfg.BackoffBase, p.cfg.BackoffCap))
	if err := p.store.ScheduleRetry(ctx, event.ID, newAttempts, nextRetryAt, errMsg); err != nil {
		return outcomeFailed, err
	}
	p.logger.Info("Webhook delivery will be retried",
		zap.String("event_id", event.ID.String()),
		zap.Int("attempts", newAttempts),
		zap.Time("next_retry_at", nextRetryAt),
		zap.String("last_error", errMsg),
	)
	return outcomeRetried, nil
}

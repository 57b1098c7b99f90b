package worker

import (
	"time"

	"github.com/contabhub/onety-sub019/internal/config"
	"github.com/contabhub/onety-sub019/internal/models"
)

// BackoffDelay returns the delay before the next attempt after attempt
// failures: base * 2^(attempt-1), capped. With the defaults (30s base,
// 300s cap) the schedule is 30s, 60s, 120s, 240s, 300s, 300s, ...
func BackoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// IsRetryEligible reports whether an event may be dispatched at now.
// The store's due query (store.dueConditions) applies the same filter in
// SQL; the two must change together.
func IsRetryEligible(event *models.WebhookEvent, now time.Time, cfg config.WorkerConfig) bool {
	if event.Attempts >= cfg.MaxAttempts {
		return false
	}
	if now.Sub(event.CreatedAt) > cfg.MaxEventAge {
		return false
	}
	if event.NextRetryAt != nil && event.NextRetryAt.After(now) {
		return false
	}
	return true
}

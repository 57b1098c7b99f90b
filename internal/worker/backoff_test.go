package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/contabhub/onety-sub019/internal/config"
	"github.com/contabhub/onety-sub019/internal/models"
)

func defaultRetryConfig() config.WorkerConfig {
	return config.WorkerConfig{
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  300 * time.Second,
		MaxEventAge: 24 * time.Hour,
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 30 * time.Second
	cap := 300 * time.Second

	assert.Equal(t, 30*time.Second, BackoffDelay(1, base, cap))
	assert.Equal(t, 60*time.Second, BackoffDelay(2, base, cap))
	assert.Equal(t, 120*time.Second, BackoffDelay(3, base, cap))
	assert.Equal(t, 240*time.Second, BackoffDelay(4, base, cap))
	assert.Equal(t, 300*time.Second, BackoffDelay(5, base, cap))
}

func TestBackoffDelayIsCappedAndMonotonic(t *testing.T) {
	base := 30 * time.Second
	cap := 300 * time.Second

	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		delay := BackoffDelay(attempt, base, cap)
		assert.LessOrEqual(t, delay, cap, "attempt %d exceeds cap", attempt)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d is not monotonic", attempt)
		prev = delay
	}
}

func TestBackoffDelayClampsInvalidAttempt(t *testing.T) {
	base := 30 * time.Second
	cap := 300 * time.Second

	assert.Equal(t, 30*time.Second, BackoffDelay(0, base, cap))
	assert.Equal(t, 30*time.Second, BackoffDelay(-5, base, cap))
}

func TestIsRetryEligible(t *testing.T) {
	cfg := defaultRetryConfig()
	now := time.Now().UTC()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name  string
		event models.WebhookEvent
		want  bool
	}{
		{
			name:  "fresh event",
			event: models.WebhookEvent{Attempts: 0, CreatedAt: now},
			want:  true,
		},
		{
			name:  "retry due",
			event: models.WebhookEvent{Attempts: 1, CreatedAt: now.Add(-time.Hour), NextRetryAt: &past},
			want:  true,
		},
		{
			name:  "retry not yet due",
			event: models.WebhookEvent{Attempts: 1, CreatedAt: now.Add(-time.Hour), NextRetryAt: &future},
			want:  false,
		},
		{
			name:  "attempts exhausted regardless of schedule",
			event: models.WebhookEvent{Attempts: 3, CreatedAt: now, NextRetryAt: &past},
			want:  false,
		},
		{
			name:  "too old even with attempts left",
			event: models.WebhookEvent{Attempts: 1, CreatedAt: now.Add(-25 * time.Hour)},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryEligible(&tt.event, now, cfg))
		})
	}
}

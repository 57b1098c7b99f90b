package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/contabhub/onety-sub019/internal/models"
)

// DispatchResult is the outcome of a single delivery attempt.
type DispatchResult struct {
	Success    bool
	StatusCode int // 0 when no response was received
	Elapsed    time.Duration
	Err        error
}

// StatusPtr returns the status code for the attempt audit row, nil when
// the request never produced a response.
func (r *DispatchResult) StatusPtr() *int {
	if r.StatusCode == 0 {
		return nil
	}
	code := r.StatusCode
	return &code
}

// ErrorMessage renders the failure for last_error. Empty on success.
func (r *DispatchResult) ErrorMessage() string {
	if r.Success {
		return ""
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

// Dispatcher performs exactly one HTTP POST per call. It never retries
// and never panics past its own boundary; every outcome is folded into
// the returned DispatchResult.
type Dispatcher struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

func NewDispatcher(client *http.Client, userAgent string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Dispatch posts the event payload to url. Any 2xx response is success;
// network errors, timeouts and non-2xx statuses are failures.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, event *models.WebhookEvent) *DispatchResult {
	result := &DispatchResult{}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(event.Payload))
	if err != nil {
		result.Err = fmt.Errorf("failed to create HTTP request: %w", err)
		return result
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Webhook-Event", event.EventType)
	req.Header.Set("X-Webhook-Event-Id", event.ID.String())

	start := time.Now()
	resp, err := d.client.Do(req)
	result.Elapsed = time.Since(start)

	if err != nil {
		result.Err = fmt.Errorf("HTTP request failed: %w", err)
		d.logger.Debug("Webhook dispatch failed",
			zap.String("event_id", event.ID.String()),
			zap.String("url", url),
			zap.Error(err),
		)
		return result
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused; the body itself is ignored.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300

	return result
}

package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contabhub/onety-sub019/internal/store"
	"github.com/contabhub/onety-sub019/internal/worker"
)

// WebhooksHandler exposes the operator endpoints of the delivery
// worker: statistics plus the escape hatches for forcing, retrying and
// reprocessing deliveries. None of these are part of the core
// algorithm; they exist so an operator can intervene without touching
// the database by hand.
type WebhooksHandler struct {
	Store  store.Store
	Worker *worker.Worker
	Logger *zap.Logger
}

func NewWebhooksHandler(s store.Store, w *worker.Worker, logger *zap.Logger) *WebhooksHandler {
	return &WebhooksHandler{Store: s, Worker: w, Logger: logger}
}

// StatsResponse combines the worker's lifetime counters with the
// current queue depths.
type StatsResponse struct {
	State  string           `json:"state"`
	Stats  worker.Stats     `json:"stats"`
	Events map[string]int64 `json:"events_by_status"`
}

// GetStats handles GET /admin/webhooks/stats
func (h *WebhooksHandler) GetStats(c *fiber.Ctx) error {
	counts, err := h.Store.CountEventsByStatus(c.Context())
	if err != nil {
		h.Logger.Error("Failed to count events by status", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch statistics",
		})
	}

	return c.JSON(StatsResponse{
		State:  string(h.Worker.State()),
		Stats:  h.Worker.Stats(),
		Events: counts,
	})
}

// ForceProcess handles POST /admin/webhooks/process
func (h *WebhooksHandler) ForceProcess(c *fiber.Ctx) error {
	h.Worker.ForceProcess()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "processing triggered",
	})
}

// RetryNow handles POST /admin/webhooks/retry-now
// Body: {"limit": 100}
func (h *WebhooksHandler) RetryNow(c *fiber.Ctx) error {
	limit, err := parseLimit(c, 100)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	cleared, err := h.Worker.RetryNow(c.Context(), limit)
	if err != nil {
		h.Logger.Error("Failed to clear retry schedule", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to clear retry schedule",
		})
	}

	return c.JSON(fiber.Map{"cleared": cleared})
}

// Reprocess handles POST /admin/webhooks/reprocess
// Body: {"tenant_id": "...", "limit": 50}
func (h *WebhooksHandler) Reprocess(c *fiber.Ctx) error {
	var body struct {
		TenantID string `json:"tenant_id"`
		Limit    int    `json:"limit"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	tenantID, err := uuid.Parse(body.TenantID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tenant_id must be a valid UUID",
		})
	}

	limit := body.Limit
	if limit <= 0 {
		limit = 50
	}

	reset, err := h.Worker.ReprocessTenant(c.Context(), tenantID, limit)
	if err != nil {
		h.Logger.Error("Failed to reprocess failed events",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reprocess events",
		})
	}

	return c.JSON(fiber.Map{"reset": reset})
}

func parseLimit(c *fiber.Ctx, def int) (int, error) {
	var body struct {
		Limit int `json:"limit"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return 0, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	if body.Limit <= 0 {
		return def, nil
	}
	return body.Limit, nil
}

// parsePositiveInt parses a query parameter as a positive integer.
func parsePositiveInt(val string, def int) (int, bool) {
	if val == "" {
		return def, true
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

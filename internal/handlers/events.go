package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contabhub/onety-sub019/internal/store"
)

// EventsHandler handles webhook events listing
type EventsHandler struct {
	Store  store.Store
	Logger *zap.Logger
}

func NewEventsHandler(s store.Store, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{Store: s, Logger: logger}
}

// EventsResponse represents the response structure for GET /admin/webhooks/events
type EventsResponse struct {
	Events  []EventDTO `json:"events"`
	HasMore bool       `json:"has_more"`
}

// EventDTO represents a single webhook event in the response
type EventDTO struct {
	ID          string  `json:"id"`
	WebhookID   string  `json:"webhook_id"`
	EventType   string  `json:"event_type"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	NextRetryAt *string `json:"next_retry_at,omitempty"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// GetEvents handles GET /admin/webhooks/events
// Query parameters:
//   - tenant_id (required)
//   - limit (optional, default 25)
//   - offset (optional, default 0)
func (h *EventsHandler) GetEvents(c *fiber.Ctx) error {
	tenantID, err := uuid.Parse(c.Query("tenant_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tenant_id query parameter must be a valid UUID",
		})
	}

	limit, ok := parsePositiveInt(c.Query("limit"), 25)
	if !ok || limit == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be a positive integer",
		})
	}
	offset, ok := parsePositiveInt(c.Query("offset"), 0)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "offset must be a non-negative integer",
		})
	}

	// Fetch one extra to determine has_more.
	events, err := h.Store.ListEvents(c.Context(), tenantID, limit+1, offset)
	if err != nil {
		h.Logger.Error("Failed to list webhook events",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch events",
		})
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	dtos := make([]EventDTO, 0, len(events))
	for _, ev := range events {
		dto := EventDTO{
			ID:        ev.ID.String(),
			WebhookID: ev.WebhookID.String(),
			EventType: ev.EventType,
			Status:    ev.Status,
			Attempts:  ev.Attempts,
			LastError: ev.LastError,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if ev.NextRetryAt != nil {
			s := ev.NextRetryAt.UTC().Format(time.RFC3339)
			dto.NextRetryAt = &s
		}
		dtos = append(dtos, dto)
	}

	return c.JSON(EventsResponse{
		Events:  dtos,
		HasMore: hasMore,
	})
}

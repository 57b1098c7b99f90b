package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/contabhub/onety-sub019/internal/database"
	"github.com/contabhub/onety-sub019/internal/trigger"
)

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthHandler reports the health of the worker's dependencies.
type HealthHandler struct {
	DB   *gorm.DB
	AMQP *trigger.Connection // nil when no trigger broker is configured
}

func NewHealthHandler(db *gorm.DB, amqp *trigger.Connection) *HealthHandler {
	return &HealthHandler{DB: db, AMQP: amqp}
}

// HealthCheck handles the health check endpoint
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	services := make(map[string]string)
	status := "healthy"

	if err := database.HealthCheck(ctx, h.DB); err != nil {
		services["database"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		services["database"] = "healthy"
	}

	if h.AMQP != nil {
		if h.AMQP.IsHealthy() {
			services["rabbitmq"] = "healthy"
		} else {
			services["rabbitmq"] = "unhealthy: connection closed"
			status = "unhealthy"
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	}

	if status == "unhealthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}

	return c.JSON(response)
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/contabhub/onety-sub019/internal/handlers"
)

// SetupRoutes configures all application routes with dependencies
func SetupRoutes(app *fiber.App, health *handlers.HealthHandler, webhooks *handlers.WebhooksHandler, events *handlers.EventsHandler) {
	// Health check endpoint
	app.Get("/health", health.HealthCheck)

	// Operator endpoints
	admin := app.Group("/admin/webhooks")
	{
		admin.Get("/stats", webhooks.GetStats)
		admin.Get("/events", events.GetEvents)
		admin.Post("/process", webhooks.ForceProcess)
		admin.Post("/retry-now", webhooks.RetryNow)
		admin.Post("/reprocess", webhooks.Reprocess)
	}
}

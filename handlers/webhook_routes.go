// handlers/webhook_routes.go
package handlers

import (
	"squares-fundraiser/models"
	"squares-fundraiser/services"

	"github.com/gofiber/fiber/v2"
)

// SetupWebhookRoutes registers provider callbacks. Authenticity comes from each
// provider's signature, not from gateway or staff auth.
func SetupWebhookRoutes(app *fiber.App, webhooks *services.WebhookService) {
	hooks := app.Group("/webhooks")
	hooks.Post("/stripe", webhooks.Handler(models.ProviderStripe))
	hooks.Post("/square", webhooks.Handler(models.ProviderSquare))
}

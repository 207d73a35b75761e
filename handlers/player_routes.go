// handlers/player_routes.go
package handlers

import (
	"squares-fundraiser/services"

	"github.com/gofiber/fiber/v2"
)

// SetupPublicRoutes registers the supporter-facing routes. No staff context.
func SetupPublicRoutes(app *fiber.App, grid *services.GridService, checkout *services.CheckoutService) {
	app.Get("/players/:slug", grid.GetPlayerBySlugHandler)
	app.Post("/checkout", checkout.StartCheckoutHandler)
}

package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/storefront/webhooks/app/controllers"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps are the controllers served by the HTTP layer.
type Deps struct {
	Webhooks *controllers.WebhookController
	Health   *controllers.HealthController
}

func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewOpsRouter(deps.Health), NewWebhookRouter(deps.Webhooks))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}

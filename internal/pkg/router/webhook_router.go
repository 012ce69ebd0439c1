package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/storefront/webhooks/app/controllers"
)

type WebhookRouter struct {
	controller *controllers.WebhookController
}

func (w WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/webhooks")
	hooks.Post("/stripe", w.controller.HandleStripeWebhook)
}

func NewWebhookRouter(c *controllers.WebhookController) *WebhookRouter {
	return &WebhookRouter{controller: c}
}

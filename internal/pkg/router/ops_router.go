package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storefront/webhooks/app/controllers"
)

// OpsRouter serves probes and metrics.
type OpsRouter struct {
	health *controllers.HealthController
}

func (o OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", o.health.HandleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func NewOpsRouter(h *controllers.HealthController) *OpsRouter {
	return &OpsRouter{health: h}
}

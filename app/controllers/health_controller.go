package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthController answers liveness probes.
type HealthController struct {
	store   Pinger
	timeout time.Duration
}

func NewHealthController(store Pinger) *HealthController {
	return &HealthController{store: store, timeout: 2 * time.Second}
}

// HandleHealth returns 200 when the idempotency store answers and 503
// otherwise. Without a store the process only reports that it is alive.
func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	if hc.store == nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), hc.timeout)
	defer cancel()
	if err := hc.store.Ping(ctx); err != nil {
		log.Warnf("[Health] Store ping failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
			"error":  "database unreachable",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok", "database": "ok"})
}

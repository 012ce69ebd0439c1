package controllers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/storefront/webhooks/internal/pkg/webhook"
)

// StripeSignatureHeader carries the HMAC signature of a Stripe delivery.
const StripeSignatureHeader = "Stripe-Signature"

// WebhookProcessor runs one delivery through the pipeline.
type WebhookProcessor interface {
	Process(ctx context.Context, raw []byte, signature string) webhook.Outcome
	TooLarge(size int) webhook.Outcome
}

// WebhookController receives provider webhooks.
type WebhookController struct {
	proc      WebhookProcessor
	bodyLimit int
}

// NewWebhookController creates the controller. Bodies above bodyLimit bytes
// are refused before verification.
func NewWebhookController(proc WebhookProcessor, bodyLimit int) *WebhookController {
	return &WebhookController{
		proc:      proc,
		bodyLimit: bodyLimit,
	}
}

// HandleStripeWebhook verifies and processes a Stripe delivery and answers
// with the status that tells Stripe whether to retry.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	// BodyRaw, unlike Body, does not inflate a Content-Encoding: the guard
	// measures what was sent and the signature covers the same bytes.
	body := c.BodyRaw()
	if wc.bodyLimit > 0 && len(body) > wc.bodyLimit {
		return respond(c, webhook.Classify(wc.proc.TooLarge(len(body))))
	}

	// fasthttp reuses the request buffer once the handler returns.
	raw := append([]byte(nil), body...)
	signature := strings.TrimSpace(c.Get(StripeSignatureHeader))

	out := wc.proc.Process(c.UserContext(), raw, signature)
	if out.DeliveryID != "" {
		c.Set("X-Delivery-ID", out.DeliveryID)
	}
	return respond(c, webhook.Classify(out))
}

func respond(c *fiber.Ctx, resp webhook.Response) error {
	return c.Status(resp.Status).JSON(resp.Body)
}

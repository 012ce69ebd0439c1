package webhook

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/gofiber/fiber/v2/log"
)

// EventHandler has one method per payload variant.
type EventHandler interface {
	PaymentSucceeded(ctx context.Context, evt *Event, p PaymentSucceeded) HandlerResult
	PaymentFailed(ctx context.Context, evt *Event, p PaymentFailed) HandlerResult
	SubscriptionCreated(ctx context.Context, evt *Event, p SubscriptionCreated) HandlerResult
	SubscriptionUpdated(ctx context.Context, evt *Event, p SubscriptionUpdated) HandlerResult
	SubscriptionDeleted(ctx context.Context, evt *Event, p SubscriptionDeleted) HandlerResult
	InvoicePaid(ctx context.Context, evt *Event, p InvoicePaid) HandlerResult
	InvoicePaymentFailed(ctx context.Context, evt *Event, p InvoicePaymentFailed) HandlerResult
	Unknown(ctx context.Context, evt *Event, p Unknown) HandlerResult
}

// Router maps an event to its handler.
type Router struct {
	handler EventHandler
}

func NewRouter(h EventHandler) *Router {
	return &Router{handler: h}
}

// Dispatch runs the handler for evt. Routing cannot fail; a panicking handler
// is reported as a permanent failure.
func (r *Router) Dispatch(ctx context.Context, evt *Event) (result HandlerResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("[Webhook] %s: handler for %s panicked: %v\n%s", evt.ID, evt.Type, rec, debug.Stack())
			result = Permanent(fmt.Sprintf("handler panic: %v", rec), nil, 0)
		}
	}()

	log.Debugf("[Webhook] %s: routing %s", evt.ID, evt.Type)
	switch p := evt.Payload.(type) {
	case PaymentSucceeded:
		return r.handler.PaymentSucceeded(ctx, evt, p)
	case PaymentFailed:
		return r.handler.PaymentFailed(ctx, evt, p)
	case SubscriptionCreated:
		return r.handler.SubscriptionCreated(ctx, evt, p)
	case SubscriptionUpdated:
		return r.handler.SubscriptionUpdated(ctx, evt, p)
	case SubscriptionDeleted:
		return r.handler.SubscriptionDeleted(ctx, evt, p)
	case InvoicePaid:
		return r.handler.InvoicePaid(ctx, evt, p)
	case InvoicePaymentFailed:
		return r.handler.InvoicePaymentFailed(ctx, evt, p)
	case Unknown:
		return r.handler.Unknown(ctx, evt, p)
	default:
		log.Warnf("[Webhook] %s: no route for payload %T", evt.ID, evt.Payload)
		return OK()
	}
}

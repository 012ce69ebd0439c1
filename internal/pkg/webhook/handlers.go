package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/storefront/webhooks/app/models"
	"github.com/storefront/webhooks/internal/pkg/billing"
	"github.com/storefront/webhooks/internal/pkg/cache"
	"github.com/storefront/webhooks/internal/pkg/mail"
	"github.com/storefront/webhooks/internal/pkg/metrics"
	"github.com/storefront/webhooks/internal/pkg/retry"
)

// Store is the persistence the pipeline needs. *billing.Service implements it.
type Store interface {
	ClaimWebhookEvent(ctx context.Context, in billing.WebhookEventInput, lease time.Duration) (*billing.ClaimOutcome, error)
	CompleteWebhookEvent(ctx context.Context, provider, providerEventID string, processingErr error) error
	ReleaseWebhookEvent(ctx context.Context, provider, providerEventID string) error

	MarkOrderPaid(ctx context.Context, medusaOrderID string) error
	MarkOrderPaymentFailed(ctx context.Context, medusaOrderID string) error
	GetOrderWithItems(ctx context.Context, medusaOrderID string) (*models.Order, error)
	RecordPayment(ctx context.Context, in billing.PaymentInput) (bool, error)

	ResolveUserByCustomer(ctx context.Context, provider, providerCustomerID string) (uint, error)
	SyncSubscription(ctx context.Context, in billing.NormalizedSubscription) (*models.Subscription, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string, canceledAt, eventAt time.Time) (*models.Subscription, error)

	RecordEmailFailure(ctx context.Context, in billing.EmailFailureInput) error
}

var _ Store = (*billing.Service)(nil)

// Deps are the collaborators of the handlers.
type Deps struct {
	Store        Store
	Cache        cache.Invalidator
	Mailer       mail.Sender
	Detacher     *Detacher
	Retry        retry.Policy
	CacheTimeout time.Duration
}

// Handlers implements EventHandler against the storefront store.
type Handlers struct {
	store        Store
	cache        cache.Invalidator
	mailer       mail.Sender
	detacher     *Detacher
	policy       retry.Policy
	cacheTimeout time.Duration
}

var _ EventHandler = (*Handlers)(nil)

func NewHandlers(d Deps) *Handlers {
	h := &Handlers{
		store:        d.Store,
		cache:        d.Cache,
		mailer:       d.Mailer,
		detacher:     d.Detacher,
		policy:       d.Retry,
		cacheTimeout: d.CacheTimeout,
	}
	if h.cache == nil {
		h.cache = cache.Nop{}
	}
	if h.mailer == nil {
		h.mailer = mail.Nop{}
	}
	if h.detacher == nil {
		h.detacher = NewDetacher(0)
	}
	if h.cacheTimeout <= 0 {
		h.cacheTimeout = 2 * time.Second
	}
	return h
}

func (h *Handlers) do(ctx context.Context, name string, op func(ctx context.Context) error) retry.Result {
	res := retry.Do(ctx, h.policy, name, op)
	if n := res.Retries(); n > 0 {
		metrics.RetryAttempts.WithLabelValues(name).Add(float64(n))
	}
	return res
}

// invalidate is best-effort; the returned warning is empty on success.
func (h *Handlers) invalidate(ctx context.Context, evt *Event, key string) string {
	if err := cache.InvalidateWithTimeout(ctx, h.cache, h.cacheTimeout, key); err != nil {
		log.Warnf("[Webhook] %s: cache invalidation of %s failed: %v", evt.ID, key, err)
		metrics.SideEffectFailures.WithLabelValues("cache").Inc()
		return fmt.Sprintf("cache invalidation of %s failed", key)
	}
	return ""
}

func (h *Handlers) PaymentSucceeded(ctx context.Context, evt *Event, p PaymentSucceeded) HandlerResult {
	pi := p.Intent
	orderID := pi.OrderID()
	result := OK()

	orderMissing := false
	if orderID == "" {
		log.Warnf("[Webhook] %s: payment intent %s has no metadata.order_id, recording payment only", evt.ID, pi.ID)
		result = result.warn("missing metadata.order_id")
	} else {
		res := h.do(ctx, "order.mark_paid", func(ctx context.Context) error {
			return h.store.MarkOrderPaid(ctx, orderID)
		})
		switch {
		case res.OK():
		case errors.Is(res.Err, billing.ErrOrderNotFound):
			orderMissing = true
		default:
			return FromRetry("mark order paid", res)
		}
	}

	paidAt := evt.Created
	res := h.do(ctx, "payment.record", func(ctx context.Context) error {
		_, err := h.store.RecordPayment(ctx, billing.PaymentInput{
			PaymentIntentID: pi.ID,
			MedusaOrderID:   orderID,
			Amount:          pi.CapturedAmount(),
			Currency:        pi.Currency,
			Status:          pi.Status,
			CustomerEmail:   pi.Email(),
			PaidAt:          paidAt,
		})
		return err
	})
	if !res.OK() {
		return FromRetry("record payment", res)
	}

	if orderMissing {
		log.Warnf("[Webhook] %s: order %s not found, payment %s recorded without order", evt.ID, orderID, pi.ID)
		return Permanent(fmt.Sprintf("order %s not found", orderID), billing.ErrOrderNotFound, 0)
	}
	if orderID == "" {
		return result
	}

	if w := h.invalidate(ctx, evt, cache.OrderKey(orderID)); w != "" {
		result = result.warn("%s", w)
	}

	email := pi.Email()
	if email == "" {
		log.Warnf("[Webhook] %s: no email for order %s, skipping confirmation", evt.ID, orderID)
		return result.warn("missing email")
	}
	h.sendOrderConfirmation(evt, pi, orderID, email)
	return result
}

// sendOrderConfirmation is detached: the response never waits for SMTP.
func (h *Handlers) sendOrderConfirmation(evt *Event, pi PaymentIntent, orderID, email string) {
	eventID := evt.ID
	h.detacher.Go(Task{
		Kind: "email",
		Name: fmt.Sprintf("order confirmation %s for %s", orderID, eventID),
		Run: func(ctx context.Context) error {
			data := mail.OrderConfirmation{
				OrderID:  orderID,
				Currency: pi.Currency,
				Amount:   pi.CapturedAmount(),
			}
			order, err := h.store.GetOrderWithItems(ctx, orderID)
			if err != nil {
				log.Warnf("[Webhook] %s: order %s details unavailable, sending minimal confirmation: %v", eventID, orderID, err)
			} else {
				data.Items = lineItems(order)
				if order.Currency != "" {
					data.Currency = order.Currency
				}
			}
			return h.mailer.Send(ctx, mail.TemplateOrderConfirmation, email, data)
		},
		OnFailure: func(ctx context.Context, err error) {
			ferr := h.store.RecordEmailFailure(ctx, billing.EmailFailureInput{
				Template:        mail.TemplateOrderConfirmation,
				Recipient:       email,
				ProviderEventID: eventID,
				Reference:       orderID,
				Err:             err,
			})
			if ferr != nil {
				log.Errorf("[Webhook] %s: could not record email failure for order %s: %v", eventID, orderID, ferr)
			}
		},
	})
}

func lineItems(order *models.Order) []mail.LineItem {
	items := make([]mail.LineItem, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, mail.LineItem{
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Total:     it.LineTotal(),
		})
	}
	return items
}

func (h *Handlers) PaymentFailed(ctx context.Context, evt *Event, p PaymentFailed) HandlerResult {
	pi := p.Intent
	orderID := pi.OrderID()
	if orderID == "" {
		log.Infof("[Webhook] %s: failed payment intent %s has no order id, nothing to update", evt.ID, pi.ID)
		return OK()
	}
	if pe := pi.LastPaymentError; pe != nil {
		log.Infof("[Webhook] %s: payment for order %s failed: code=%s decline=%s %s", evt.ID, orderID, pe.Code, pe.DeclineCode, pe.Message)
	}

	res := h.do(ctx, "order.mark_failed", func(ctx context.Context) error {
		return h.store.MarkOrderPaymentFailed(ctx, orderID)
	})
	if !res.OK() {
		return FromRetry("mark order payment failed", res)
	}

	result := OK()
	if w := h.invalidate(ctx, evt, cache.OrderKey(orderID)); w != "" {
		result = result.warn("%s", w)
	}
	return result
}

func (h *Handlers) SubscriptionCreated(ctx context.Context, evt *Event, p SubscriptionCreated) HandlerResult {
	return h.syncSubscription(ctx, evt, p.Subscription, "")
}

func (h *Handlers) SubscriptionUpdated(ctx context.Context, evt *Event, p SubscriptionUpdated) HandlerResult {
	return h.syncSubscription(ctx, evt, p.Subscription, "")
}

// resolveUser maps the Stripe customer to a user. An unlinked customer is
// transient: checkout may not have stored the link yet.
func (h *Handlers) resolveUser(ctx context.Context, evt *Event, customerID string) (uint, *HandlerResult) {
	var userID uint
	res := h.do(ctx, "customer.resolve", func(ctx context.Context) error {
		id, err := h.store.ResolveUserByCustomer(ctx, models.BillingProviderStripe, customerID)
		userID = id
		return err
	})
	if res.OK() {
		return userID, nil
	}
	if errors.Is(res.Err, billing.ErrCustomerNotLinked) {
		log.Warnf("[Webhook] %s: customer %q is not linked to a user yet", evt.ID, customerID)
		r := Transient(fmt.Sprintf("customer %s not linked", customerID), res.Err, res.Retries())
		return 0, &r
	}
	r := FromRetry("resolve customer", res)
	return 0, &r
}

func (h *Handlers) syncSubscription(ctx context.Context, evt *Event, sub Subscription, forceStatus string) HandlerResult {
	userID, failed := h.resolveUser(ctx, evt, sub.Customer.String())
	if failed != nil {
		return *failed
	}

	status := sub.Status
	if forceStatus != "" {
		status = forceStatus
	}
	start, end := sub.Period()
	in := billing.NormalizedSubscription{
		UserID:                 userID,
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.Customer.String(),
		ProviderPlanRef:        sub.PriceID(),
		Status:                 status,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		EventCreatedAt:         evt.Created,
	}

	var stored *models.Subscription
	res := h.do(ctx, "subscription.upsert", func(ctx context.Context) error {
		s, err := h.store.SyncSubscription(ctx, in)
		stored = s
		return err
	})
	if !res.OK() {
		return FromRetry("upsert subscription", res)
	}
	log.Infof("[Webhook] %s: subscription %s for user %d is %s (plan %s)", evt.ID, stored.StripeSubscriptionID, stored.UserID, stored.Status, stored.InternalPlan)

	result := OK()
	if w := h.invalidate(ctx, evt, cache.UserSubscriptionKey(stored.UserID)); w != "" {
		result = result.warn("%s", w)
	}
	return result
}

func (h *Handlers) SubscriptionDeleted(ctx context.Context, evt *Event, p SubscriptionDeleted) HandlerResult {
	sub := p.Subscription
	canceledAt := evt.Created
	if t := unixPtr(sub.CanceledAt); t != nil {
		canceledAt = *t
	}

	var stored *models.Subscription
	res := h.do(ctx, "subscription.cancel", func(ctx context.Context) error {
		s, err := h.store.CancelSubscription(ctx, sub.ID, canceledAt, evt.Created)
		stored = s
		return err
	})
	if errors.Is(res.Err, billing.ErrSubscriptionNotFound) {
		// Deleted arrived before created: store the terminal state so the
		// late created event cannot resurrect it.
		log.Infof("[Webhook] %s: subscription %s unknown, storing canceled state", evt.ID, sub.ID)
		r := h.syncSubscription(ctx, evt, sub, models.SubscriptionStatusCanceled)
		if r.Error != nil && errors.Is(r.Error, billing.ErrCustomerNotLinked) {
			log.Infof("[Webhook] %s: subscription %s belongs to no known user, nothing to cancel", evt.ID, sub.ID)
			return OK()
		}
		return r
	}
	if !res.OK() {
		return FromRetry("cancel subscription", res)
	}
	log.Infof("[Webhook] %s: subscription %s for user %d canceled", evt.ID, stored.StripeSubscriptionID, stored.UserID)

	result := OK()
	if w := h.invalidate(ctx, evt, cache.UserSubscriptionKey(stored.UserID)); w != "" {
		result = result.warn("%s", w)
	}
	return result
}

func (h *Handlers) InvoicePaid(ctx context.Context, evt *Event, p InvoicePaid) HandlerResult {
	log.Debugf("[Webhook] %s: invoice %s paid (%d %s), subscription state follows subscription events",
		evt.ID, p.Invoice.ID, p.Invoice.AmountPaid, p.Invoice.Currency)
	return OK()
}

func (h *Handlers) InvoicePaymentFailed(ctx context.Context, evt *Event, p InvoicePaymentFailed) HandlerResult {
	inv := p.Invoice
	next := "none"
	if t := unixPtr(inv.NextPaymentAt); t != nil {
		next = t.Format(time.RFC3339)
	}
	log.Warnf("[Webhook] %s: invoice %s payment failed: customer=%s subscription=%s amount_due=%d %s attempt=%d next_attempt=%s",
		evt.ID, inv.ID, inv.Customer, inv.Subscription, inv.AmountDue, inv.Currency, inv.AttemptCount, next)
	return OK()
}

func (h *Handlers) Unknown(ctx context.Context, evt *Event, p Unknown) HandlerResult {
	log.Infof("[Webhook] %s: no handler for event type %s, acknowledging", evt.ID, p.Type)
	return OK()
}

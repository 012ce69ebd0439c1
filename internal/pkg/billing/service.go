package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/storefront/webhooks/app/models"
)

// MinRetention is the shortest age at which processed webhook events may be
// pruned. It matches the sender's maximum redelivery window.
const MinRetention = 24 * time.Hour

// Service provides provider-neutral billing synchronization on top of the
// repository: webhook claims, order payment state, payments and subscriptions.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// ClaimWebhookEvent atomically records the event id. The first delivery gets
// a fresh claim; later deliveries read the stored row back. An unfinished claim
// that was released, or is older than lease, is taken over by exactly one caller.
func (s *Service) ClaimWebhookEvent(ctx context.Context, in WebhookEventInput, lease time.Duration) (*ClaimOutcome, error) {
	provider := normalizeProvider(in.Provider)
	eventID := strings.TrimSpace(in.ProviderEventID)
	if provider == "" || eventID == "" {
		return nil, errors.New("provider and provider_event_id are required")
	}

	now := s.now()
	event := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		ClaimedAt:       now,
		Attempts:        1,
	}
	created, stored, err := s.repo.CreateWebhookEventIfNotExists(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("claim webhook event: %w", err)
	}
	if created {
		return &ClaimOutcome{Fresh: true, Record: stored}, nil
	}
	if stored.IsProcessed() {
		return &ClaimOutcome{Record: stored}, nil
	}

	staleBefore := time.Time{}
	if lease > 0 {
		staleBefore = now.Add(-lease)
	}
	won, err := s.repo.ReclaimStaleWebhookEvent(ctx, provider, eventID, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("reclaim webhook event: %w", err)
	}
	if !won {
		return &ClaimOutcome{Record: stored}, nil
	}

	state := "stale"
	if stored.IsReleased() {
		state = "released"
	}
	log.Warnf("[Billing] Reclaimed %s webhook event %s (first seen %s, attempts %d)",
		state, eventID, stored.FirstSeenAt().Format(time.RFC3339), stored.Attempts+1)
	stored.ClaimedAt = now
	stored.Released = false
	stored.Attempts++
	return &ClaimOutcome{Fresh: true, Reclaimed: true, Record: stored}, nil
}

// CompleteWebhookEvent marks an event as processed and stores an optional error.
func (s *Service) CompleteWebhookEvent(ctx context.Context, provider, providerEventID string, processingErr error) error {
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, normalizeProvider(provider), strings.TrimSpace(providerEventID), errMsg)
}

// ReleaseWebhookEvent hands an unfinished claim back after a transient failure.
func (s *Service) ReleaseWebhookEvent(ctx context.Context, provider, providerEventID string) error {
	return s.repo.ReleaseWebhookEvent(ctx, normalizeProvider(provider), strings.TrimSpace(providerEventID))
}

// PruneWebhookEvents deletes processed events older than retention. Retention
// below MinRetention is raised to it so redeliveries are still recognized.
func (s *Service) PruneWebhookEvents(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < MinRetention {
		log.Warnf("[Billing] Retention %s below minimum, using %s", retention, MinRetention)
		retention = MinRetention
	}
	return s.repo.DeleteProcessedWebhookEventsBefore(ctx, s.now().Add(-retention))
}

// MarkOrderPaid sets payment_status=paid and status=completed.
func (s *Service) MarkOrderPaid(ctx context.Context, medusaOrderID string) error {
	return s.updateOrder(ctx, medusaOrderID, models.PaymentStatusPaid, models.OrderStatusCompleted)
}

// MarkOrderPaymentFailed sets payment_status=failed and leaves the order status.
func (s *Service) MarkOrderPaymentFailed(ctx context.Context, medusaOrderID string) error {
	return s.updateOrder(ctx, medusaOrderID, models.PaymentStatusFailed, "")
}

func (s *Service) updateOrder(ctx context.Context, medusaOrderID, paymentStatus, orderStatus string) error {
	id := strings.TrimSpace(medusaOrderID)
	if id == "" {
		return errors.New("medusa_order_id is required")
	}
	err := s.repo.UpdateOrderPaymentStatus(ctx, id, paymentStatus, orderStatus)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return err
}

// GetOrderWithItems loads an order and its line items.
func (s *Service) GetOrderWithItems(ctx context.Context, medusaOrderID string) (*models.Order, error) {
	order, err := s.repo.GetOrderWithItems(ctx, strings.TrimSpace(medusaOrderID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, medusaOrderID)
	}
	return order, err
}

// RecordPayment writes a payment ledger row. Recording the same payment
// intent twice is a no-op; created reports whether a row was inserted.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (bool, error) {
	piID := strings.TrimSpace(in.PaymentIntentID)
	if piID == "" {
		return false, errors.New("payment_intent_id is required")
	}
	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now()
	}
	payment := &models.Payment{
		StripePaymentIntentID: piID,
		MedusaOrderID:         strings.TrimSpace(in.MedusaOrderID),
		Amount:                in.Amount,
		Currency:              strings.ToLower(strings.TrimSpace(in.Currency)),
		Status:                in.Status,
		CustomerEmail:         strings.TrimSpace(in.CustomerEmail),
		PaidAt:                &paidAt,
	}
	return s.repo.CreatePaymentIfNotExists(ctx, payment)
}

// ResolveUserByCustomer resolves a provider customer to the linked user id.
func (s *Service) ResolveUserByCustomer(ctx context.Context, provider, providerCustomerID string) (uint, error) {
	p := normalizeProvider(provider)
	cID := strings.TrimSpace(providerCustomerID)
	if p == "" || cID == "" {
		return 0, fmt.Errorf("%w: empty customer reference", ErrCustomerNotLinked)
	}
	account, err := s.repo.GetBillingAccountByProviderAccountID(ctx, p, cID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrCustomerNotLinked, cID)
	}
	if err != nil {
		return 0, err
	}
	return account.UserID, nil
}

// ResolveMappedPlan resolves a provider plan reference to an internal plan.
// Unmapped references resolve to models.PlanNone.
func (s *Service) ResolveMappedPlan(ctx context.Context, provider, providerPlanRef string) (string, error) {
	p := normalizeProvider(provider)
	ref := strings.TrimSpace(providerPlanRef)
	if p == "" || ref == "" {
		return models.PlanNone, nil
	}

	m, err := s.repo.FindActivePlanMapping(ctx, p, ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PlanNone, nil
	}
	if err != nil {
		return "", err
	}
	return normalizePlan(m.InternalPlan), nil
}

// SyncSubscription upserts provider subscription data keyed by the provider
// subscription id. The returned row holds the state that won, which differs
// from the input when a newer event was already applied.
func (s *Service) SyncSubscription(ctx context.Context, in NormalizedSubscription) (*models.Subscription, error) {
	subID := strings.TrimSpace(in.ProviderSubscriptionID)
	if in.UserID == 0 || subID == "" {
		return nil, errors.New("user_id and provider_subscription_id are required")
	}

	internalPlan, err := s.ResolveMappedPlan(ctx, in.Provider, in.ProviderPlanRef)
	if err != nil {
		return nil, err
	}

	eventAt := in.EventCreatedAt
	if eventAt.IsZero() {
		eventAt = s.now()
	}
	sub := &models.Subscription{
		UserID:               in.UserID,
		StripeSubscriptionID: subID,
		StripeCustomerID:     strings.TrimSpace(in.ProviderCustomerID),
		StripePriceID:        strings.TrimSpace(in.ProviderPlanRef),
		InternalPlan:         internalPlan,
		Status:               normalizeStatus(in.Status),
		CurrentPeriodStart:   in.CurrentPeriodStart,
		CurrentPeriodEnd:     in.CurrentPeriodEnd,
		CancelAtPeriodEnd:    in.CancelAtPeriodEnd,
		LastEventAt:          eventAt.UTC().Truncate(time.Second),
	}
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if sub.LastEventAt.After(eventAt) {
		log.Infof("[Billing] Subscription %s already at newer state (%s), event from %s not applied",
			subID, sub.LastEventAt.Format(time.RFC3339), eventAt.Format(time.RFC3339))
	}
	log.Debugf("[Billing] Subscription %s user=%d plan=%s status=%s entitling=%t",
		subID, sub.UserID, sub.InternalPlan, sub.Status, sub.IsEntitling())
	return sub, nil
}

// CancelSubscription marks the subscription canceled. eventAt is the creation
// time of the deletion event and orders it against other events.
func (s *Service) CancelSubscription(ctx context.Context, providerSubscriptionID string, canceledAt, eventAt time.Time) (*models.Subscription, error) {
	subID := strings.TrimSpace(providerSubscriptionID)
	if subID == "" {
		return nil, errors.New("provider_subscription_id is required")
	}
	if eventAt.IsZero() {
		eventAt = s.now()
	}
	if canceledAt.IsZero() {
		canceledAt = eventAt
	}
	sub, err := s.repo.CancelSubscription(ctx, subID,
		canceledAt.UTC().Truncate(time.Second), eventAt.UTC().Truncate(time.Second))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subID)
	}
	return sub, err
}

// RecordEmailFailure stores a failed transactional email for follow-up.
func (s *Service) RecordEmailFailure(ctx context.Context, in EmailFailureInput) error {
	msg := ""
	if in.Err != nil {
		msg = in.Err.Error()
	}
	return s.repo.CreateEmailFailure(ctx, &models.EmailFailure{
		Template:        in.Template,
		Recipient:       strings.TrimSpace(in.Recipient),
		ProviderEventID: in.ProviderEventID,
		Reference:       in.Reference,
		Error:           msg,
	})
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

package billing

import (
	"errors"
	"time"

	"github.com/storefront/webhooks/app/models"
)

var (
	// ErrCustomerNotLinked means no billing account maps the provider customer
	// to a storefront user (yet).
	ErrCustomerNotLinked = errors.New("billing: customer not linked to a user")
	// ErrOrderNotFound means no order exists for the given medusa order id.
	ErrOrderNotFound = errors.New("billing: order not found")
	// ErrSubscriptionNotFound means no subscription row has the provider id.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
)

// NormalizedSubscription is the provider-agnostic shape used by the billing
// service when syncing external subscription state into local tables.
type NormalizedSubscription struct {
	UserID                 uint
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderPlanRef        string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	// EventCreatedAt orders competing deliveries; older events never
	// overwrite newer state.
	EventCreatedAt time.Time
}

// WebhookEventInput is the normalized input for claiming a webhook event.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
}

// ClaimOutcome describes the result of an idempotency claim.
type ClaimOutcome struct {
	// Fresh is true when the caller owns the event and must process it.
	Fresh bool
	// Reclaimed is true when a released or stale claim was taken over.
	Reclaimed bool
	// Record is the stored idempotency row.
	Record *models.WebhookEvent
}

// Duplicate reports whether another delivery owns or finished the event.
func (o *ClaimOutcome) Duplicate() bool {
	return !o.Fresh
}

// InFlight reports whether a duplicate's first delivery has not finished yet.
func (o *ClaimOutcome) InFlight() bool {
	return !o.Fresh && o.Record != nil && !o.Record.IsProcessed()
}

// PaymentInput is a captured payment to record in the ledger.
type PaymentInput struct {
	PaymentIntentID string
	MedusaOrderID   string
	Amount          int64
	Currency        string
	Status          string
	CustomerEmail   string
	PaidAt          time.Time
}

// EmailFailureInput describes a transactional email that could not be sent.
type EmailFailureInput struct {
	Template        string
	Recipient       string
	ProviderEventID string
	Reference       string
	Err             error
}

package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// EventType is the Stripe event type tag.
type EventType string

// Event types with a dedicated handler. Everything else decodes to Unknown.
const (
	EventPaymentSucceeded     = EventType(stripe.EventTypePaymentIntentSucceeded)
	EventPaymentFailed        = EventType(stripe.EventTypePaymentIntentPaymentFailed)
	EventSubscriptionCreated  = EventType(stripe.EventTypeCustomerSubscriptionCreated)
	EventSubscriptionUpdated  = EventType(stripe.EventTypeCustomerSubscriptionUpdated)
	EventSubscriptionDeleted  = EventType(stripe.EventTypeCustomerSubscriptionDeleted)
	EventInvoicePaid          = EventType(stripe.EventTypeInvoicePaid)
	EventInvoicePaymentFailed = EventType(stripe.EventTypeInvoicePaymentFailed)
)

// Event is a verified inbound webhook event. It is built once per request and
// never modified.
type Event struct {
	ID      string
	Type    EventType
	Created time.Time
	Payload Payload
	// Raw is the verified request body.
	Raw []byte
}

// Payload is the typed object of an event. The set of implementations is
// closed: one per known event type plus Unknown.
type Payload interface {
	payload()
}

// PaymentSucceeded is the payload of payment_intent.succeeded.
type PaymentSucceeded struct{ Intent PaymentIntent }

// PaymentFailed is the payload of payment_intent.payment_failed.
type PaymentFailed struct{ Intent PaymentIntent }

// SubscriptionCreated is the payload of customer.subscription.created.
type SubscriptionCreated struct{ Subscription Subscription }

// SubscriptionUpdated is the payload of customer.subscription.updated.
type SubscriptionUpdated struct{ Subscription Subscription }

// SubscriptionDeleted is the payload of customer.subscription.deleted.
type SubscriptionDeleted struct{ Subscription Subscription }

// InvoicePaid is the payload of invoice.paid.
type InvoicePaid struct{ Invoice Invoice }

// InvoicePaymentFailed is the payload of invoice.payment_failed.
type InvoicePaymentFailed struct{ Invoice Invoice }

// Unknown carries events without a handler.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (PaymentSucceeded) payload()     {}
func (PaymentFailed) payload()        {}
func (SubscriptionCreated) payload()  {}
func (SubscriptionUpdated) payload()  {}
func (SubscriptionDeleted) payload()  {}
func (InvoicePaid) payload()          {}
func (InvoicePaymentFailed) payload() {}
func (Unknown) payload()              {}

// ExpandableID is a Stripe reference that is either an id string or an
// expanded object with an "id" field.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("expandable id: %w", err)
	}
	*e = ExpandableID(obj.ID)
	return nil
}

func (e ExpandableID) String() string { return string(e) }

// PaymentError is the last_payment_error of a payment intent.
type PaymentError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

// PaymentIntent is the subset of a Stripe payment intent the handlers use.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Customer         ExpandableID      `json:"customer"`
	ReceiptEmail     string            `json:"receipt_email"`
	Metadata         map[string]string `json:"metadata"`
	Created          int64             `json:"created"`
	LastPaymentError *PaymentError     `json:"last_payment_error"`
}

// OrderID returns metadata.order_id, or "" when absent.
func (p PaymentIntent) OrderID() string {
	return strings.TrimSpace(p.Metadata["order_id"])
}

// Email returns metadata.email, falling back to the receipt email.
func (p PaymentIntent) Email() string {
	if e := strings.TrimSpace(p.Metadata["email"]); e != "" {
		return e
	}
	return strings.TrimSpace(p.ReceiptEmail)
}

// CapturedAmount prefers amount_received over the requested amount.
func (p PaymentIntent) CapturedAmount() int64 {
	if p.AmountReceived > 0 {
		return p.AmountReceived
	}
	return p.Amount
}

// SubscriptionItem is one price line of a subscription.
type SubscriptionItem struct {
	ID    string `json:"id"`
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// Subscription is the subset of a Stripe subscription the handlers use.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           ExpandableID      `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	EndedAt            int64             `json:"ended_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// PriceID returns the price of the first subscription item.
func (s Subscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// Period returns the current billing period. Newer API versions carry it on
// the subscription items instead of the subscription.
func (s Subscription) Period() (start, end *time.Time) {
	ps, pe := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if ps == 0 && pe == 0 && len(s.Items.Data) > 0 {
		ps, pe = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unixPtr(ps), unixPtr(pe)
}

// Invoice is the subset of a Stripe invoice the handlers use.
type Invoice struct {
	ID            string       `json:"id"`
	Customer      ExpandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	Subscription  ExpandableID `json:"subscription"`
	Status        string       `json:"status"`
	AmountDue     int64        `json:"amount_due"`
	AmountPaid    int64        `json:"amount_paid"`
	Currency      string       `json:"currency"`
	AttemptCount  int          `json:"attempt_count"`
	NextPaymentAt int64        `json:"next_payment_attempt"`
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// decodePayload maps the raw data.object of an event onto its variant.
func decodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	switch eventType {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pi PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		if pi.ID == "" {
			return nil, fmt.Errorf("decode payment intent: missing id")
		}
		if eventType == EventPaymentSucceeded {
			return PaymentSucceeded{Intent: pi}, nil
		}
		return PaymentFailed{Intent: pi}, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("decode subscription: missing id")
		}
		switch eventType {
		case EventSubscriptionCreated:
			return SubscriptionCreated{Subscription: sub}, nil
		case EventSubscriptionUpdated:
			return SubscriptionUpdated{Subscription: sub}, nil
		default:
			return SubscriptionDeleted{Subscription: sub}, nil
		}

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var inv Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		if eventType == EventInvoicePaid {
			return InvoicePaid{Invoice: inv}, nil
		}
		return InvoicePaymentFailed{Invoice: inv}, nil

	default:
		return Unknown{Type: string(eventType), Raw: raw}, nil
	}
}

package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// WebhookEvent is the idempotency record of a provider webhook delivery.
// The unique index on (provider, provider_event_id) is the claim: exactly one
// row exists per event id no matter how many deliveries race to insert it.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ClaimedAt       time.Time  `gorm:"type:timestamp;not null" json:"claimed_at"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null;index" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	Released        bool       `gorm:"not null;default:false" json:"released"`
	Attempts        int        `gorm:"not null;default:1" json:"attempts"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// FirstSeenAt reports when the event id was first claimed.
func (e *WebhookEvent) FirstSeenAt() time.Time {
	return e.CreatedAt
}

// IsReleased reports whether the claim was handed back after a transient
// failure and may be taken by the next delivery.
func (e *WebhookEvent) IsReleased() bool {
	return e.Released && e.ProcessedAt == nil
}

// IsProcessed reports whether a handler run finished for this event.
func (e *WebhookEvent) IsProcessed() bool {
	return e.ProcessedAt != nil
}

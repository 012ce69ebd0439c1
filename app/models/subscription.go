package models

import "time"

const (
	SubscriptionStatusActive     = "active"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusExpired    = "incomplete_expired"
	SubscriptionStatusUnpaid     = "unpaid"
	SubscriptionStatusPaused     = "paused"
)

// Subscription mirrors a Stripe subscription for a storefront user. Rows are
// keyed by the provider subscription id so redelivered events overwrite in place.
type Subscription struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UserID               uint       `gorm:"not null;index" json:"user_id"`
	StripeSubscriptionID string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"stripe_subscription_id"`
	StripeCustomerID     string     `gorm:"type:varchar(191);not null;index" json:"stripe_customer_id"`
	StripePriceID        string     `gorm:"type:varchar(191);default:''" json:"stripe_price_id"`
	InternalPlan         string     `gorm:"type:varchar(50);not null;default:'none';index" json:"internal_plan"`
	Status               string     `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodStart   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt           *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	LastEventAt          time.Time  `gorm:"type:timestamp;not null" json:"last_event_at"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsEntitling reports whether the subscription currently grants access.
func (s *Subscription) IsEntitling() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

package models

import "time"

// Payment is a ledger row for a captured payment intent. The unique index on
// the payment intent id makes recording a payment safe to repeat.
type Payment struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	StripePaymentIntentID string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"stripe_payment_intent_id"`
	MedusaOrderID         string     `gorm:"type:varchar(191);default:'';index" json:"medusa_order_id"`
	Amount                int64      `gorm:"not null" json:"amount"`
	Currency              string     `gorm:"type:varchar(3);not null" json:"currency"`
	Status                string     `gorm:"type:varchar(32);not null" json:"status"`
	CustomerEmail         string     `gorm:"type:varchar(200);default:''" json:"customer_email"`
	PaidAt                *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

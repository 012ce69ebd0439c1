package models

import "time"

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"

	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
)

// Order is the storefront order as far as payment webhooks are concerned.
// Orders are created by checkout; webhooks only transition the status fields.
type Order struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	MedusaOrderID string      `gorm:"type:varchar(191);not null;uniqueIndex" json:"medusa_order_id"`
	Email         string      `gorm:"type:varchar(200);default:''" json:"email"`
	Currency      string      `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	Total         int64       `gorm:"not null;default:0" json:"total"`
	Status        string      `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	PaymentStatus string      `gorm:"type:varchar(32);not null;default:'pending';index" json:"payment_status"`
	Items         []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderItem is one line of an order, used for confirmation emails.
type OrderItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrderID   uint      `gorm:"not null;index" json:"order_id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	Quantity  int       `gorm:"not null;default:1" json:"quantity"`
	UnitPrice int64     `gorm:"not null;default:0" json:"unit_price"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// LineTotal returns quantity * unit price in minor currency units.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

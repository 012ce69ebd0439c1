package models

import "time"

// EmailFailure records a transactional email that could not be delivered so it
// can be followed up manually or re-sent by a later job.
type EmailFailure struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Template        string    `gorm:"type:varchar(100);not null;index" json:"template"`
	Recipient       string    `gorm:"type:varchar(200);not null" json:"recipient"`
	ProviderEventID string    `gorm:"type:varchar(191);default:'';index" json:"provider_event_id"`
	Reference       string    `gorm:"type:varchar(191);default:''" json:"reference"`
	Error           string    `gorm:"type:text" json:"error"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

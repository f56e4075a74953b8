package models

import "time"

// UnroutedOrder marks an order whose last routing attempt was rejected.
// The row disappears once the order is routed or cancelled.
type UnroutedOrder struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OrderID       uint      `gorm:"not null;uniqueIndex" json:"order_id"`
	Reason        string    `gorm:"type:text;not null" json:"reason"`
	Attempts      int       `gorm:"not null;default:1" json:"attempts"`
	LastAttemptAt time.Time `gorm:"not null" json:"last_attempt_at"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

package models

import (
	"encoding/json"
	"time"
)

type OrderType string

const (
	OrderTypeFood      OrderType = "food"
	OrderTypeBeverage  OrderType = "beverage"
	OrderTypeAppetizer OrderType = "appetizer"
	OrderTypeDessert   OrderType = "dessert"
	OrderTypeSpecial   OrderType = "special"
)

// Valid reports whether t is one of the known order types.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeFood, OrderTypeBeverage, OrderTypeAppetizer, OrderTypeDessert, OrderTypeSpecial:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusServed    OrderStatus = "served"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusConfirmed, OrderStatusPreparing, OrderStatusReady, OrderStatusServed, OrderStatusCancelled:
		return true
	}
	return false
}

// Order is owned by the ordering subsystem. The routing engine only reads it
// and reacts to its status changes.
type Order struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	TableID   string          `gorm:"type:varchar(50);not null;index" json:"table_id"`
	SeatID    string          `gorm:"type:varchar(50)" json:"seat_id"`
	Items     json.RawMessage `gorm:"type:text;serializer:json" json:"items,omitempty"`
	Type      OrderType       `gorm:"type:varchar(20);not null" json:"type"`
	Status    OrderStatus     `gorm:"type:varchar(20);not null;default:'new'" json:"status"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

// Closed reports whether the order no longer needs kitchen work.
func (o Order) Closed() bool {
	return o.Status == OrderStatusCancelled || o.Status == OrderStatusServed
}

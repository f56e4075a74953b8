package models

import "time"

type CloseReason string

const (
	CloseReasonCompleted  CloseReason = "completed"
	CloseReasonBumped     CloseReason = "bumped"
	CloseReasonReassigned CloseReason = "reassigned"
	CloseReasonCancelled  CloseReason = "cancelled"
	CloseReasonStale      CloseReason = "stale"
)

// CountsAsPrep reports whether a record closed for this reason represents
// finished kitchen work and therefore feeds the timing statistics.
func (r CloseReason) CountsAsPrep() bool {
	return r == CloseReasonCompleted || r == CloseReasonBumped
}

// RoutingRecord tracks one order's stop at one station.
//
// ActiveSlot is true while CompletedAt is NULL and NULL afterwards. Together
// with OrderID and Sequence it forms a unique index, so the store admits at
// most one active record per (order, sequence) while keeping any number of
// closed ones.
type RoutingRecord struct {
	ID                   uint        `gorm:"primaryKey" json:"id"`
	OrderID              uint        `gorm:"not null;uniqueIndex:idx_routing_active_stop,priority:1;index:idx_routing_order" json:"order_id"`
	Order                *Order      `gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"order,omitempty"`
	StationID            uint        `gorm:"not null;index:idx_routing_station_active,priority:1;index:idx_routing_station_completed,priority:1" json:"station_id"`
	Sequence             int         `gorm:"not null;uniqueIndex:idx_routing_active_stop,priority:2" json:"sequence"`
	ActiveSlot           *bool       `gorm:"uniqueIndex:idx_routing_active_stop,priority:3" json:"-"`
	RoutedAt             time.Time   `gorm:"not null;index:idx_routing_station_active,priority:2" json:"routed_at"`
	StartedAt            *time.Time  `json:"started_at,omitempty"`
	CompletedAt          *time.Time  `gorm:"index:idx_routing_station_completed,priority:2" json:"completed_at,omitempty"`
	BumpedBy             *string     `gorm:"type:varchar(100)" json:"bumped_by,omitempty"`
	BumpedAt             *time.Time  `json:"bumped_at,omitempty"`
	RecalledAt           *time.Time  `json:"recalled_at,omitempty"`
	RecallCount          int         `gorm:"not null;default:0" json:"recall_count"`
	EstimatedPrepSeconds int         `gorm:"not null;default:0" json:"estimated_prep_seconds"`
	ActualPrepSeconds    *int        `json:"actual_prep_seconds,omitempty"`
	Priority             int         `gorm:"not null;default:0" json:"priority"`
	Notes                string      `gorm:"type:text" json:"notes"`
	CloseReason          CloseReason `gorm:"type:varchar(20)" json:"close_reason,omitempty"`
	Version              int         `gorm:"not null;default:1" json:"version"`
	CreatedAt            time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time   `gorm:"not null" json:"updated_at"`
}

// Active reports whether the record is still waiting on its station.
func (r RoutingRecord) Active() bool {
	return r.CompletedAt == nil
}

// ActiveSlotMarker returns the value stored in ActiveSlot for open records.
func ActiveSlotMarker() *bool {
	v := true
	return &v
}

// Action is an operator transition on a routing record.
type Action string

const (
	ActionStart    Action = "start"
	ActionBump     Action = "bump"
	ActionRecall   Action = "recall"
	ActionComplete Action = "complete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionStart, ActionBump, ActionRecall, ActionComplete:
		return true
	}
	return false
}

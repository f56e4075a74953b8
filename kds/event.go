package kds

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/yeremiapane/kitchen-router/models"
)

// Event types
const (
	EventRoutingChange = "routing_change"
	EventOrderChange   = "order_change"
	EventSnapshot      = "snapshot"
	EventPong          = "pong"
)

type Role string

const (
	RoleKitchen Role = "kitchen"
	RoleExpo    Role = "expo"
	RoleServer  Role = "server"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleKitchen, RoleExpo, RoleServer:
		return r, nil
	}
	return "", fmt.Errorf("unknown viewer role %q", s)
}

// Event is one frame of the change stream. Seq is the change-log id and is
// strictly increasing; snapshot frames carry the highest id they include.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"event"`
	Action    string          `json:"action,omitempty"`
	RecordID  uint            `json:"record_id,omitempty"`
	StationID uint            `json:"station_id,omitempty"`
	TableID   string          `json:"table_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// Snapshot is the Data of an EventSnapshot frame.
type Snapshot struct {
	Records []models.RoutingRecord `json:"records"`
}

// Filter selects the events a subscriber receives.
//
// Kitchen screens see routing changes of their own station only. Expo sees
// every routing and order change, narrowed by StationID when set. Servers
// see everything for their table when TableID is set.
type Filter struct {
	Role      Role   `json:"role"`
	StationID uint   `json:"station_id,omitempty"`
	TableID   string `json:"table_id,omitempty"`
}

func (f Filter) Validate() error {
	if _, err := ParseRole(string(f.Role)); err != nil {
		return err
	}
	if f.Role == RoleKitchen && f.StationID == 0 {
		return fmt.Errorf("kitchen viewers must name a station")
	}
	return nil
}

func (f Filter) Matches(e Event) bool {
	if f.TableID != "" && e.TableID != f.TableID {
		return false
	}
	switch f.Role {
	case RoleKitchen:
		return e.Type == EventRoutingChange && e.StationID == f.StationID
	case RoleExpo:
		if f.StationID != 0 && e.Type == EventRoutingChange {
			return e.StationID == f.StationID
		}
		return true
	case RoleServer:
		return true
	}
	return false
}

// EventFromChange converts a change-log row to its wire event.
func EventFromChange(change models.DBChange) Event {
	e := Event{
		Seq:       uint64(change.ID),
		Action:    change.ActionType,
		RecordID:  change.RecordID,
		StationID: change.StationID,
		TableID:   change.TableRef,
		At:        change.ChangedAt,
	}
	switch change.TableName {
	case models.ChangeTableRouting:
		e.Type = EventRoutingChange
	default:
		e.Type = EventOrderChange
	}
	if change.Payload != "" {
		e.Data = json.RawMessage(change.Payload)
	}
	return e
}

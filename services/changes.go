package services

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/models"
)

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

func (c Clock) now() time.Time {
	if c == nil {
		return utcNow()
	}
	return c().UTC()
}

// recordRoutingChange appends a change-log row for rec inside tx. rec must
// have its Order loaded when the table reference is wanted by viewers.
func recordRoutingChange(tx *gorm.DB, action string, rec *models.RoutingRecord, at time.Time) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode routing change: %w", err)
	}
	change := models.DBChange{
		TableName:  models.ChangeTableRouting,
		RecordID:   rec.ID,
		ActionType: action,
		StationID:  rec.StationID,
		Payload:    string(payload),
		ChangedAt:  at,
	}
	if rec.Order != nil {
		change.TableRef = rec.Order.TableID
	}
	return tx.Create(&change).Error
}

// recordOrderChange appends a change-log row for an order mutation.
func recordOrderChange(tx *gorm.DB, action string, order *models.Order, at time.Time) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order change: %w", err)
	}
	return tx.Create(&models.DBChange{
		TableName:  models.ChangeTableOrders,
		RecordID:   order.ID,
		ActionType: action,
		TableRef:   order.TableID,
		Payload:    string(payload),
		ChangedAt:  at,
	}).Error
}

// loadRouting fetches a routing record with its order.
func loadRouting(db *gorm.DB, id uint) (*models.RoutingRecord, error) {
	var rec models.RoutingRecord
	if err := db.Preload("Order").First(&rec, id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeremiapane/kitchen-router/models"
)

// UpsertOrder mirrors an externally owned order into the orders table. The
// order keeps the id it was created with upstream.
func (r *OrderRouter) UpsertOrder(ctx context.Context, order models.Order) (*models.Order, error) {
	const op = "upsert order"

	if order.ID == 0 {
		return nil, validationError(op, "order id is required")
	}
	if !order.Type.Valid() {
		return nil, validationError(op, fmt.Sprintf("unknown order type %q", order.Type))
	}
	if order.Status == "" {
		order.Status = models.OrderStatusNew
	}
	if !order.Status.Valid() {
		return nil, validationError(op, fmt.Sprintf("unknown order status %q", order.Status))
	}

	now := r.clock.now()
	action := models.ChangeInsert
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			action = models.ChangeUpdate
		} else {
			order.CreatedAt = now
		}
		order.UpdatedAt = now
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"table_id", "seat_id", "items", "type", "status", "updated_at"}),
		}).Create(&order).Error
		if err != nil {
			return err
		}
		return recordOrderChange(tx, action, &order, now)
	})
	if err != nil {
		re := storeError(op, err)
		re.OrderID = order.ID
		return nil, re
	}
	return &order, nil
}

// SetOrderStatus records a status change coming from the ordering system.
// A cancelled order also has its active routings closed.
func (r *OrderRouter) SetOrderStatus(ctx context.Context, orderID uint, status models.OrderStatus) (*models.Order, error) {
	const op = "set order status"

	if !status.Valid() {
		re := validationError(op, fmt.Sprintf("unknown order status %q", status))
		re.OrderID = orderID
		return nil, re
	}

	now := r.clock.now()
	var order models.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&order, orderID).Error; err != nil {
			return err
		}
		if order.Status == status {
			return nil
		}
		if err := tx.Model(&order).Updates(map[string]interface{}{"status": status, "updated_at": now}).Error; err != nil {
			return err
		}
		order.Status = status
		order.UpdatedAt = now
		return recordOrderChange(tx, models.ChangeUpdate, &order, now)
	})
	if err != nil {
		re := storeError(op, err)
		re.OrderID = orderID
		return nil, re
	}

	if status == models.OrderStatusCancelled {
		if _, err := r.CancelOrder(ctx, orderID); err != nil {
			return &order, err
		}
	}
	return &order, nil
}

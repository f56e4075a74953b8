package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/services"
	"github.com/yeremiapane/kitchen-router/utils"
)

type OrderController struct {
	DB     *gorm.DB
	Router *services.OrderRouter
}

func NewOrderController(db *gorm.DB, router *services.OrderRouter) *OrderController {
	return &OrderController{DB: db, Router: router}
}

// UpsertOrder mirrors an order from the ordering system (HTTP twin of the
// orders.created subject). It does not route the order.
func (oc *OrderController) UpsertOrder(c *gin.Context) {
	var req struct {
		ID      uint               `json:"id" binding:"required"`
		TableID string             `json:"table_id" binding:"required"`
		SeatID  string             `json:"seat_id"`
		Items   json.RawMessage    `json:"items"`
		Type    models.OrderType   `json:"type" binding:"required"`
		Status  models.OrderStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	order, err := oc.Router.UpsertOrder(c.Request.Context(), models.Order{
		ID:      req.ID,
		TableID: req.TableID,
		SeatID:  req.SeatID,
		Items:   []byte(req.Items),
		Type:    req.Type,
		Status:  req.Status,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Order stored", order)
}

// UpdateOrderStatus applies a status change; cancelling closes the order's
// active routings.
func (oc *OrderController) UpdateOrderStatus(c *gin.Context) {
	orderID, ok := uintParam(c, "order_id")
	if !ok {
		return
	}
	var req struct {
		Status models.OrderStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	order, err := oc.Router.SetOrderStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Order status updated", order)
}

// RouteOrder routes a stored order. Without stops the router picks a station.
func (oc *OrderController) RouteOrder(c *gin.Context) {
	orderID, ok := uintParam(c, "order_id")
	if !ok {
		return
	}
	var req struct {
		Stops                []services.Stop `json:"stops"`
		Priority             int             `json:"priority"`
		Notes                string          `json:"notes"`
		EstimatedPrepSeconds int             `json:"estimated_prep_seconds"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondError(c, http.StatusBadRequest, err)
			return
		}
	}

	var order models.Order
	if err := oc.DB.WithContext(c.Request.Context()).First(&order, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.RespondError(c, http.StatusNotFound, err)
			return
		}
		utils.RespondError(c, http.StatusServiceUnavailable, err)
		return
	}

	records, err := oc.Router.RouteOrder(c.Request.Context(), order, services.RouteOptions{
		Stops:                req.Stops,
		Priority:             req.Priority,
		Notes:                req.Notes,
		EstimatedPrepSeconds: req.EstimatedPrepSeconds,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Order routed", records)
}

// ListUnrouted -> orders whose last routing attempt was rejected
func (oc *OrderController) ListUnrouted(c *gin.Context) {
	rows, err := oc.Router.ListUnrouted(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Unrouted orders", rows)
}

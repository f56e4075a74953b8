package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeremiapane/kitchen-router/metrics"
	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/utils"
)

// Stop is one station on an order's path. Sequence distinguishes the stops of
// a multi-station pipeline (prep -> grill -> expo).
type Stop struct {
	StationID uint `json:"station_id" binding:"required"`
	Sequence  int  `json:"sequence"`
}

type RouteOptions struct {
	Stops                []Stop
	Priority             int
	Notes                string
	EstimatedPrepSeconds int
}

// OrderRouter assigns orders to stations.
type OrderRouter struct {
	db       *gorm.DB
	stations *StationRegistry
	clock    Clock
}

func NewOrderRouter(db *gorm.DB, stations *StationRegistry) *OrderRouter {
	return &OrderRouter{db: db, stations: stations}
}

// WithClock replaces the router clock. Intended for tests.
func (r *OrderRouter) WithClock(clock Clock) *OrderRouter {
	r.clock = clock
	return r
}

// RouteOrder creates one active RoutingRecord per stop. Without explicit stops
// a single stop is planned from the order type. A rejected attempt leaves the
// open order marked unrouted; nothing is written for it otherwise.
func (r *OrderRouter) RouteOrder(ctx context.Context, order models.Order, opts RouteOptions) ([]models.RoutingRecord, error) {
	const op = "route order"
	log := utils.InfoLogger.WithFields(logrus.Fields{"order_id": order.ID, "order_type": order.Type})

	if order.ID == 0 {
		metrics.RoutingAttempts.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, validationError(op, "order id is required")
	}

	stops, err := r.planStops(ctx, order, opts.Stops)
	if err != nil {
		var re *RoutingError
		if errors.As(err, &re) {
			re.OrderID = order.ID
		}
		if IsValidation(err) {
			// A served or cancelled order no longer needs a station.
			if !order.Closed() {
				r.markUnrouted(ctx, order.ID, err)
			}
			metrics.RoutingAttempts.WithLabelValues(metrics.ResultRejected).Inc()
			log.WithError(err).Warn("order rejected by router")
		} else {
			metrics.RoutingAttempts.WithLabelValues(metrics.ResultError).Inc()
		}
		return nil, err
	}

	now := r.clock.now()
	var records []models.RoutingRecord
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records = records[:0]
		for _, stop := range stops {
			rec := models.RoutingRecord{
				OrderID:              order.ID,
				StationID:            stop.StationID,
				Sequence:             stop.Sequence,
				ActiveSlot:           models.ActiveSlotMarker(),
				RoutedAt:             now,
				EstimatedPrepSeconds: opts.EstimatedPrepSeconds,
				Priority:             opts.Priority,
				Notes:                opts.Notes,
				Version:              1,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			o := order
			rec.Order = &o
			if err := recordRoutingChange(tx, models.ChangeInsert, &rec, now); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return tx.Where("order_id = ?", order.ID).Delete(&models.UnroutedOrder{}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// The order already holds an active routing for one of the
			// sequences; it is routed, so it is not marked unrouted.
			metrics.RoutingAttempts.WithLabelValues(metrics.ResultRejected).Inc()
			return nil, &RoutingError{Op: op, Kind: ErrValidation, Reason: "order already has an active routing for this sequence", OrderID: order.ID, Err: err}
		}
		metrics.RoutingAttempts.WithLabelValues(metrics.ResultError).Inc()
		re := storeError(op, err)
		re.OrderID = order.ID
		return nil, re
	}

	metrics.RoutingAttempts.WithLabelValues(metrics.ResultOK).Inc()
	log.WithField("stops", len(records)).Info("order routed")
	return records, nil
}

// planStops validates explicit stops or plans a single one.
func (r *OrderRouter) planStops(ctx context.Context, order models.Order, requested []Stop) ([]Stop, error) {
	const op = "route order"

	if !order.Type.Valid() {
		return nil, validationError(op, fmt.Sprintf("unknown order type %q", order.Type))
	}
	if order.Closed() {
		return nil, validationError(op, fmt.Sprintf("order is %s", order.Status))
	}

	if len(requested) == 0 {
		stop, err := r.autoStop(ctx, order)
		if err != nil {
			return nil, err
		}
		return []Stop{stop}, nil
	}

	seen := make(map[int]bool, len(requested))
	for _, stop := range requested {
		if stop.Sequence <= 0 {
			return nil, validationError(op, fmt.Sprintf("sequence %d is not a positive integer", stop.Sequence))
		}
		if seen[stop.Sequence] {
			return nil, validationError(op, fmt.Sprintf("sequence %d appears more than once", stop.Sequence))
		}
		seen[stop.Sequence] = true

		station, err := r.stations.Get(ctx, stop.StationID)
		if err != nil {
			if IsNotFound(err) {
				return nil, validationError(op, fmt.Sprintf("station %d does not exist", stop.StationID))
			}
			return nil, err
		}
		if err := checkStation(op, order, station); err != nil {
			return nil, err
		}
	}

	stops := append([]Stop(nil), requested...)
	sort.Slice(stops, func(i, j int) bool { return stops[i].Sequence < stops[j].Sequence })
	return stops, nil
}

func checkStation(op string, order models.Order, station models.Station) error {
	if !station.Active {
		return validationError(op, fmt.Sprintf("station %d (%s) is inactive", station.ID, station.Name))
	}
	if !IsCompatible(order.Type, station.Type) {
		return validationError(op, fmt.Sprintf("order type %s is not compatible with station type %s", order.Type, station.Type))
	}
	return nil
}

// autoStop picks the first preferred station type that has an active station
// and, within it, the station with the fewest active routings.
func (r *OrderRouter) autoStop(ctx context.Context, order models.Order) (Stop, error) {
	const op = "route order"

	active, err := r.stations.ListActiveStations(ctx)
	if err != nil {
		return Stop{}, err
	}

	for _, typ := range preferredStationTypes[order.Type] {
		var candidates []uint
		for _, s := range active {
			if s.Type == typ {
				candidates = append(candidates, s.ID)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		load, err := r.activeLoad(ctx, candidates)
		if err != nil {
			return Stop{}, err
		}
		best := candidates[0]
		for _, id := range candidates[1:] {
			if load[id] < load[best] {
				best = id
			}
		}
		return Stop{StationID: best, Sequence: 1}, nil
	}

	return Stop{}, validationError(op, fmt.Sprintf("no active station accepts order type %s", order.Type))
}

func (r *OrderRouter) activeLoad(ctx context.Context, stationIDs []uint) (map[uint]int64, error) {
	var rows []struct {
		StationID uint
		Total     int64
	}
	err := r.db.WithContext(ctx).Model(&models.RoutingRecord{}).
		Select("station_id, COUNT(*) AS total").
		Where("completed_at IS NULL AND station_id IN ?", stationIDs).
		Group("station_id").
		Scan(&rows).Error
	if err != nil {
		return nil, storeError("route order", err)
	}
	load := make(map[uint]int64, len(rows))
	for _, row := range rows {
		load[row.StationID] = row.Total
	}
	return load, nil
}

// markUnrouted records the rejection so the order stays visible through the
// health check. Failures are logged; the caller already has an error to return.
func (r *OrderRouter) markUnrouted(ctx context.Context, orderID uint, cause error) {
	now := r.clock.now()
	row := models.UnroutedOrder{
		OrderID:       orderID,
		Reason:        cause.Error(),
		Attempts:      1,
		LastAttemptAt: now,
		CreatedAt:     now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reason":          row.Reason,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
		}),
	}).Create(&row).Error
	if err != nil {
		utils.ErrorLogger.WithError(err).WithField("order_id", orderID).Error("failed to mark order unrouted")
	}
}

// ListUnrouted returns the orders whose last routing attempt was rejected.
func (r *OrderRouter) ListUnrouted(ctx context.Context) ([]models.UnroutedOrder, error) {
	var rows []models.UnroutedOrder
	if err := r.db.WithContext(ctx).Order("last_attempt_at ASC").Find(&rows).Error; err != nil {
		return nil, storeError("list unrouted", err)
	}
	return rows, nil
}

// Reroute moves an active routing to another station. The current record is
// closed as reassigned and a fresh one is inserted for the same stop, so
// history is kept and the active-stop index is never violated.
func (r *OrderRouter) Reroute(ctx context.Context, routingID, stationID uint, actorID string) (*models.RoutingRecord, error) {
	const op = "reroute"

	current, err := loadRouting(r.db.WithContext(ctx), routingID)
	if err != nil {
		re := storeError(op, err)
		re.RoutingID = routingID
		return nil, re
	}
	if !current.Active() {
		return nil, &RoutingError{Op: op, Kind: ErrConflict, Reason: "routing is already closed", RoutingID: routingID, OrderID: current.OrderID}
	}
	if current.StationID == stationID {
		return nil, &RoutingError{Op: op, Kind: ErrValidation, Reason: "routing is already at this station", RoutingID: routingID}
	}

	station, err := r.stations.Get(ctx, stationID)
	if err != nil {
		if IsNotFound(err) {
			return nil, validationError(op, fmt.Sprintf("station %d does not exist", stationID))
		}
		return nil, err
	}
	if current.Order == nil {
		return nil, notFoundError(op, fmt.Sprintf("order %d of routing %d is missing", current.OrderID, routingID))
	}
	if err := checkStation(op, *current.Order, station); err != nil {
		return nil, err
	}

	now := r.clock.now()
	var next models.RoutingRecord
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := closeUpdates(now, models.CloseReasonReassigned)
		ok, err := conditionalUpdate(tx, current, updates)
		if err != nil {
			return err
		}
		if !ok {
			return conflictError(op, "routing changed concurrently")
		}
		closed, err := loadRouting(tx, current.ID)
		if err != nil {
			return err
		}
		if err := recordRoutingChange(tx, models.ChangeUpdate, closed, now); err != nil {
			return err
		}

		next = models.RoutingRecord{
			OrderID:              current.OrderID,
			StationID:            stationID,
			Sequence:             current.Sequence,
			ActiveSlot:           models.ActiveSlotMarker(),
			RoutedAt:             now,
			EstimatedPrepSeconds: current.EstimatedPrepSeconds,
			Priority:             current.Priority,
			Notes:                current.Notes,
			Version:              1,
		}
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		next.Order = current.Order
		return recordRoutingChange(tx, models.ChangeInsert, &next, now)
	})
	if err != nil {
		re := storeError(op, err)
		re.RoutingID = routingID
		return nil, re
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"routing_id": routingID,
		"new_id":     next.ID,
		"station_id": stationID,
		"actor":      actorID,
	}).Info("routing reassigned")
	return &next, nil
}

// CancelOrder closes every active routing of an order and clears its
// unrouted marker. It returns the number of routings closed.
func (r *OrderRouter) CancelOrder(ctx context.Context, orderID uint) (int, error) {
	const op = "cancel order"
	now := r.clock.now()
	closed := 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		closed = 0
		var active []models.RoutingRecord
		if err := tx.Preload("Order").Where("order_id = ? AND completed_at IS NULL", orderID).Find(&active).Error; err != nil {
			return err
		}
		for i := range active {
			n, err := closeRouting(tx, &active[i], models.CloseReasonCancelled, now)
			if err != nil {
				return err
			}
			closed += n
		}
		return tx.Where("order_id = ?", orderID).Delete(&models.UnroutedOrder{}).Error
	})
	if err != nil {
		re := storeError(op, err)
		re.OrderID = orderID
		return 0, re
	}
	if closed > 0 {
		utils.InfoLogger.WithFields(logrus.Fields{"order_id": orderID, "closed": closed}).Info("routings closed for cancelled order")
	}
	return closed, nil
}

// closeUpdates is the column set that retires an active routing.
func closeUpdates(now time.Time, reason models.CloseReason) map[string]interface{} {
	return map[string]interface{}{
		"completed_at": now,
		"active_slot":  nil,
		"close_reason": reason,
		"version":      gorm.Expr("version + 1"),
		"updated_at":   now,
	}
}

// conditionalUpdate applies updates only if rec still carries the version
// that was read. It reports whether the row was updated.
func conditionalUpdate(tx *gorm.DB, rec *models.RoutingRecord, updates map[string]interface{}) (bool, error) {
	res := tx.Model(&models.RoutingRecord{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// closeRouting retires rec inside tx and logs the change. It returns 0 when
// another writer got there first.
func closeRouting(tx *gorm.DB, rec *models.RoutingRecord, reason models.CloseReason, now time.Time) (int, error) {
	ok, err := conditionalUpdate(tx, rec, closeUpdates(now, reason))
	if err != nil || !ok {
		return 0, err
	}
	closed, err := loadRouting(tx, rec.ID)
	if err != nil {
		return 0, err
	}
	if err := recordRoutingChange(tx, models.ChangeUpdate, closed, now); err != nil {
		return 0, err
	}
	*rec = *closed
	return 1, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/metrics"
	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/utils"
)

// Transition actions, re-exported for callers of this package.
const (
	ActionStart    = models.ActionStart
	ActionBump     = models.ActionBump
	ActionRecall   = models.ActionRecall
	ActionComplete = models.ActionComplete
)

// TransitionService applies operator actions to routing records. Every
// action is a single conditional UPDATE keyed on the version that was read,
// so of two concurrent writers exactly one wins and the other gets a
// conflict.
type TransitionService struct {
	db     *gorm.DB
	timing *TimingEngine
	clock  Clock
}

func NewTransitionService(db *gorm.DB, timing *TimingEngine) *TransitionService {
	return &TransitionService{db: db, timing: timing}
}

func (s *TransitionService) WithClock(clock Clock) *TransitionService {
	s.clock = clock
	return s
}

// Transition applies action to the routing record. When the record is closed
// by this call the timing engine runs after commit; its failures are logged
// and never undo the transition.
func (s *TransitionService) Transition(ctx context.Context, routingID uint, action models.Action, actorID string) (*models.RoutingRecord, error) {
	op := "transition " + string(action)

	rec, err := s.transition(ctx, op, routingID, action, strings.TrimSpace(actorID))
	if err != nil {
		metrics.Transitions.WithLabelValues(string(action), resultLabel(err)).Inc()
		return nil, err
	}
	metrics.Transitions.WithLabelValues(string(action), metrics.ResultOK).Inc()

	utils.InfoLogger.WithFields(logrus.Fields{
		"routing_id": rec.ID,
		"order_id":   rec.OrderID,
		"station_id": rec.StationID,
		"action":     action,
		"actor":      actorID,
		"version":    rec.Version,
	}).Info("routing transition applied")
	return rec, nil
}

func (s *TransitionService) transition(ctx context.Context, op string, routingID uint, action models.Action, actorID string) (*models.RoutingRecord, error) {
	if !action.Valid() {
		return nil, &RoutingError{Op: op, Kind: ErrValidation, Reason: fmt.Sprintf("unknown action %q", action), RoutingID: routingID}
	}
	if actorID == "" {
		return nil, &RoutingError{Op: op, Kind: ErrValidation, Reason: "actor id is required", RoutingID: routingID}
	}

	current, err := loadRouting(s.db.WithContext(ctx), routingID)
	if err != nil {
		re := storeError(op, err)
		re.RoutingID = routingID
		return nil, re
	}

	now := s.clock.now()
	updates, reason := transitionUpdates(current, action, actorID, now)
	if reason != "" {
		return nil, &RoutingError{Op: op, Kind: ErrConflict, Reason: reason, RoutingID: routingID, OrderID: current.OrderID}
	}

	var updated *models.RoutingRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := conditionalUpdate(tx, current, updates)
		if err != nil {
			return err
		}
		if !ok {
			return conflictError(op, "routing changed concurrently")
		}
		updated, err = loadRouting(tx, routingID)
		if err != nil {
			return err
		}
		if err := recordRoutingChange(tx, models.ChangeUpdate, updated, now); err != nil {
			return err
		}
		if m, ok := transitionMetric(updated, action, now); ok {
			return tx.Create(&m).Error
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, &RoutingError{Op: op, Kind: ErrConflict, Reason: "another active routing exists for this stop", RoutingID: routingID, OrderID: current.OrderID, Err: err}
		}
		re := storeError(op, err)
		re.RoutingID = routingID
		return nil, re
	}

	if current.Active() && !updated.Active() && s.timing != nil {
		if _, err := s.timing.OnCompleted(ctx, updated); err != nil {
			utils.ErrorLogger.WithError(err).WithField("routing_id", routingID).Error("timing engine failed")
		}
	}
	return updated, nil
}

// transitionUpdates returns the columns to write for action, or a reason why
// the record in its current state does not accept it.
func transitionUpdates(rec *models.RoutingRecord, action models.Action, actorID string, now time.Time) (map[string]interface{}, string) {
	switch action {
	case ActionStart:
		if !rec.Active() {
			return nil, "routing is closed"
		}
		if rec.StartedAt != nil {
			return nil, "routing already started"
		}
		return map[string]interface{}{
			"started_at": now,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}, ""

	case ActionComplete:
		if !rec.Active() {
			return nil, "routing is already completed"
		}
		return closeUpdates(now, models.CloseReasonCompleted), ""

	case ActionBump:
		if rec.BumpedAt != nil {
			return nil, "routing already bumped"
		}
		if rec.Active() {
			u := closeUpdates(now, models.CloseReasonBumped)
			u["bumped_at"] = now
			u["bumped_by"] = actorID
			return u, ""
		}
		if rec.CloseReason != models.CloseReasonCompleted {
			return nil, fmt.Sprintf("routing was %s", rec.CloseReason)
		}
		// Completed earlier and now cleared from the screen.
		return map[string]interface{}{
			"bumped_at":    now,
			"bumped_by":    actorID,
			"close_reason": models.CloseReasonBumped,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   now,
		}, ""

	case ActionRecall:
		if rec.Active() {
			return nil, "routing is active"
		}
		if !rec.CloseReason.CountsAsPrep() {
			return nil, fmt.Sprintf("routing was %s", rec.CloseReason)
		}
		return map[string]interface{}{
			"completed_at":        nil,
			"active_slot":         true,
			"close_reason":        "",
			"bumped_at":           nil,
			"bumped_by":           nil,
			"actual_prep_seconds": nil,
			"recalled_at":         now,
			"recall_count":        gorm.Expr("recall_count + 1"),
			"version":             gorm.Expr("version + 1"),
			"updated_at":          now,
		}, ""
	}
	return nil, fmt.Sprintf("unknown action %q", action)
}

func transitionMetric(rec *models.RoutingRecord, action models.Action, now time.Time) (models.MetricRecord, bool) {
	switch action {
	case ActionStart:
		wait := now.Sub(rec.RoutedAt).Seconds()
		return models.NewMetric(rec.StationID, rec.OrderID, rec.ID, models.MetricWaitTime, wait, now), true
	case ActionBump:
		bump := now.Sub(rec.RoutedAt).Seconds()
		return models.NewMetric(rec.StationID, rec.OrderID, rec.ID, models.MetricBumpTime, bump, now), true
	}
	return models.MetricRecord{}, false
}

func resultLabel(err error) string {
	switch {
	case IsConflict(err):
		return metrics.ResultConflict
	case IsValidation(err), IsNotFound(err):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}

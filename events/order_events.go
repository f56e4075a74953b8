// Package events consumes order events published by the ordering system.
package events

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/services"
	"github.com/yeremiapane/kitchen-router/utils"
)

const (
	SubjectOrderCreated       = "orders.created"
	SubjectOrderStatusChanged = "orders.status_changed"
	QueueGroup                = "kitchen-router"
)

// OrderEvent is the payload of both order subjects.
type OrderEvent struct {
	OrderID  uint               `json:"order_id"`
	TableID  string             `json:"table_id"`
	SeatID   string             `json:"seat_id"`
	ItemType models.OrderType   `json:"item_type"`
	Status   models.OrderStatus `json:"status"`
	Items    json.RawMessage    `json:"items,omitempty"`
	Priority int                `json:"priority,omitempty"`
	Notes    string             `json:"notes,omitempty"`
}

// Intake turns order events into orders and routings.
type Intake struct {
	router *services.OrderRouter
}

func NewIntake(router *services.OrderRouter) *Intake {
	return &Intake{router: router}
}

// HandleMessage processes one message. Validation failures are logged and
// swallowed: the order is then visible as unrouted and redelivery would not
// change the outcome.
func (in *Intake) HandleMessage(ctx context.Context, subject string, data []byte) error {
	var evt OrderEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", subject, err)
	}
	if evt.OrderID == 0 {
		return fmt.Errorf("%s: order_id is required", subject)
	}
	log := utils.InfoLogger.WithFields(logrus.Fields{"subject": subject, "order_id": evt.OrderID})

	switch subject {
	case SubjectOrderCreated:
		order, err := in.router.UpsertOrder(ctx, models.Order{
			ID:      evt.OrderID,
			TableID: evt.TableID,
			SeatID:  evt.SeatID,
			Items:   []byte(evt.Items),
			Type:    evt.ItemType,
			Status:  evt.Status,
		})
		if err != nil {
			return err
		}
		_, err = in.router.RouteOrder(ctx, *order, services.RouteOptions{Priority: evt.Priority, Notes: evt.Notes})
		if services.IsValidation(err) {
			log.WithError(err).Warn("order left unrouted")
			return nil
		}
		return err

	case SubjectOrderStatusChanged:
		_, err := in.router.SetOrderStatus(ctx, evt.OrderID, evt.Status)
		if services.IsNotFound(err) {
			log.Warn("status change for unknown order ignored")
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected subject %q", subject)
}

// Subscriber binds an Intake to NATS. Every instance joins the same queue
// group so each event is handled once.
type Subscriber struct {
	conn   *nats.Conn
	intake *Intake
}

func NewSubscriber(conn *nats.Conn, intake *Intake) *Subscriber {
	return &Subscriber{conn: conn, intake: intake}
}

func (s *Subscriber) Serve(ctx context.Context) error {
	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	for _, subject := range []string{SubjectOrderCreated, SubjectOrderStatusChanged} {
		sub, err := s.conn.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
			if err := s.intake.HandleMessage(ctx, msg.Subject, msg.Data); err != nil {
				utils.ErrorLogger.WithError(err).WithField("subject", msg.Subject).Error("order event failed")
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	utils.InfoLogger.WithField("queue", QueueGroup).Info("order intake subscribed")

	<-ctx.Done()
	return ctx.Err()
}

func (s *Subscriber) String() string { return "order-intake" }

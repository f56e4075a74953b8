package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/kitchen-router/models"
)

func TestRouteOrderBeverageToBar(t *testing.T) {
	f := newFixture(t)
	bar := f.station(t, "Bar", models.StationTypeBar)
	order := f.order(t, 1, "T1", models.OrderTypeBeverage)

	recs, err := f.router.RouteOrder(ctx, order, RouteOptions{
		Stops:    []Stop{{StationID: bar.ID, Sequence: 1}},
		Priority: 2,
		Notes:    "no ice",
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := f.reload(t, recs[0].ID)
	assert.True(t, rec.Active())
	assert.Equal(t, bar.ID, rec.StationID)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, 2, rec.Priority)
	assert.Equal(t, "no ice", rec.Notes)
	assert.True(t, rec.RoutedAt.Equal(baseTime))
	require.NotNil(t, rec.ActiveSlot)

	changes := f.changes(t, models.ChangeTableRouting)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeInsert, changes[0].ActionType)
	assert.Equal(t, bar.ID, changes[0].StationID)
	assert.Equal(t, "T1", changes[0].TableRef)
}

func TestRouteOrderIncompatibleStationMarksUnrouted(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	bar := f.station(t, "Bar", models.StationTypeBar)
	order := f.order(t, 1, "T1", models.OrderTypeBeverage)

	_, err := f.router.RouteOrder(ctx, order, RouteOptions{Stops: []Stop{{StationID: grill.ID, Sequence: 1}}})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var count int64
	require.NoError(t, f.db.Model(&models.RoutingRecord{}).Count(&count).Error)
	assert.Zero(t, count, "nothing is written for a rejected order")

	unrouted, err := f.router.ListUnrouted(ctx)
	require.NoError(t, err)
	require.Len(t, unrouted, 1)
	assert.Equal(t, order.ID, unrouted[0].OrderID)
	assert.Equal(t, 1, unrouted[0].Attempts)
	assert.Contains(t, unrouted[0].Reason, "not compatible")

	_, err = f.router.RouteOrder(ctx, order, RouteOptions{Stops: []Stop{{StationID: grill.ID, Sequence: 1}}})
	require.Error(t, err)
	unrouted, err = f.router.ListUnrouted(ctx)
	require.NoError(t, err)
	require.Len(t, unrouted, 1)
	assert.Equal(t, 2, unrouted[0].Attempts)

	f.routeTo(t, order, bar.ID)
	unrouted, err = f.router.ListUnrouted(ctx)
	require.NoError(t, err)
	assert.Empty(t, unrouted, "routing clears the marker")
}

func TestRouteOrderRejections(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	expo := f.station(t, "Expo", models.StationTypeExpo)
	off := models.Station{Name: "Fryer 2", Type: models.StationTypeFryer, Active: false, CreatedAt: f.now, UpdatedAt: f.now}
	require.NoError(t, f.db.Create(&off).Error)
	f.stations.Invalidate()

	food := f.order(t, 1, "T1", models.OrderTypeFood)
	special := f.order(t, 2, "T1", models.OrderTypeSpecial)
	cancelled := f.order(t, 3, "T2", models.OrderTypeFood)
	require.NoError(t, f.db.Model(&cancelled).Update("status", models.OrderStatusCancelled).Error)
	cancelled.Status = models.OrderStatusCancelled

	tests := []struct {
		name  string
		order models.Order
		stops []Stop
	}{
		{"special order", special, []Stop{{StationID: expo.ID, Sequence: 1}}},
		{"special order auto", special, nil},
		{"cancelled order", cancelled, []Stop{{StationID: grill.ID, Sequence: 1}}},
		{"inactive station", food, []Stop{{StationID: off.ID, Sequence: 1}}},
		{"unknown station", food, []Stop{{StationID: 404, Sequence: 1}}},
		{"zero sequence", food, []Stop{{StationID: grill.ID, Sequence: 0}}},
		{"duplicate sequence", food, []Stop{{StationID: grill.ID, Sequence: 1}, {StationID: expo.ID, Sequence: 1}}},
		{"unknown type", models.Order{ID: 1, TableID: "T1", Type: "soup"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.RouteOrder(ctx, tt.order, RouteOptions{Stops: tt.stops})
			require.Error(t, err)
			assert.True(t, IsValidation(err), err.Error())
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&models.RoutingRecord{}).Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, f.db.Model(&models.UnroutedOrder{}).Where("order_id = ?", cancelled.ID).Count(&count).Error)
	assert.Zero(t, count, "closed orders are not queued for routing")
}

func TestClosedOrderIsNotMarkedUnrouted(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)

	for i, status := range []models.OrderStatus{models.OrderStatusServed, models.OrderStatusCancelled} {
		order := f.order(t, uint(20+i), "T4", models.OrderTypeFood)
		require.NoError(t, f.db.Model(&order).Update("status", status).Error)
		order.Status = status

		_, err := f.router.RouteOrder(ctx, order, RouteOptions{Stops: []Stop{{StationID: grill.ID, Sequence: 1}}})
		assert.True(t, IsValidation(err), string(status))
		_, err = f.router.RouteOrder(ctx, order, RouteOptions{})
		assert.True(t, IsValidation(err), string(status))
	}

	unrouted, err := f.router.ListUnrouted(ctx)
	require.NoError(t, err)
	assert.Empty(t, unrouted)
}

func TestRouteOrderAutoPicksLeastLoadedStation(t *testing.T) {
	f := newFixture(t)
	f.station(t, "Bar", models.StationTypeBar)
	grill1 := f.station(t, "Grill 1", models.StationTypeGrill)
	grill2 := f.station(t, "Grill 2", models.StationTypeGrill)

	first, err := f.router.RouteOrder(ctx, f.order(t, 1, "T1", models.OrderTypeFood), RouteOptions{})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, grill1.ID, first[0].StationID, "ties go to the lowest id")
	assert.Equal(t, 1, first[0].Sequence)

	second, err := f.router.RouteOrder(ctx, f.order(t, 2, "T1", models.OrderTypeFood), RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, grill2.ID, second[0].StationID)
}

func TestRouteOrderAutoFallsBackToExpo(t *testing.T) {
	f := newFixture(t)
	f.station(t, "Grill", models.StationTypeGrill)
	expo := f.station(t, "Expo", models.StationTypeExpo)

	recs, err := f.router.RouteOrder(ctx, f.order(t, 1, "T1", models.OrderTypeDessert), RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, expo.ID, recs[0].StationID)

	_, err = f.router.RouteOrder(ctx, f.order(t, 2, "T1", models.OrderTypeBeverage), RouteOptions{})
	require.NoError(t, err, "expo accepts beverages too")
}

func TestRouteOrderPipeline(t *testing.T) {
	f := newFixture(t)
	prep := f.station(t, "Prep", models.StationTypePrep)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	expo := f.station(t, "Expo", models.StationTypeExpo)
	order := f.order(t, 1, "T4", models.OrderTypeFood)

	recs, err := f.router.RouteOrder(ctx, order, RouteOptions{Stops: []Stop{
		{StationID: expo.ID, Sequence: 3},
		{StationID: prep.ID, Sequence: 1},
		{StationID: grill.ID, Sequence: 2},
	}})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []uint{prep.ID, grill.ID, expo.ID}, []uint{recs[0].StationID, recs[1].StationID, recs[2].StationID})
}

func TestRouteOrderDuplicateActiveStop(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	order := f.order(t, 1, "T1", models.OrderTypeFood)
	f.routeTo(t, order, grill.ID)

	_, err := f.router.RouteOrder(ctx, order, RouteOptions{Stops: []Stop{{StationID: grill.ID, Sequence: 1}}})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var active int64
	require.NoError(t, f.db.Model(&models.RoutingRecord{}).Where("completed_at IS NULL").Count(&active).Error)
	assert.Equal(t, int64(1), active)

	unrouted, err := f.router.ListUnrouted(ctx)
	require.NoError(t, err)
	assert.Empty(t, unrouted, "an already routed order is not unrouted")
}

func TestRerouteKeepsHistory(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	fryer := f.station(t, "Fryer", models.StationTypeFryer)
	bar := f.station(t, "Bar", models.StationTypeBar)
	order := f.order(t, 1, "T1", models.OrderTypeFood)
	rec := f.routeTo(t, order, grill.ID)

	f.advance(90 * time.Second)
	next, err := f.router.Reroute(ctx, rec.ID, fryer.ID, "chef-1")
	require.NoError(t, err)
	assert.Equal(t, fryer.ID, next.StationID)
	assert.Equal(t, rec.Sequence, next.Sequence)
	assert.True(t, next.Active())

	old := f.reload(t, rec.ID)
	assert.False(t, old.Active())
	assert.Equal(t, models.CloseReasonReassigned, old.CloseReason)
	assert.Equal(t, 2, old.Version)
	assert.Nil(t, old.ActualPrepSeconds, "a reassignment is not prep time")
	assert.Empty(t, f.metrics(t, models.MetricPrepTime))

	_, err = f.router.Reroute(ctx, rec.ID, grill.ID, "chef-1")
	assert.True(t, IsConflict(err), "closed routings cannot move")

	_, err = f.router.Reroute(ctx, next.ID, bar.ID, "chef-1")
	assert.True(t, IsValidation(err))

	_, err = f.router.Reroute(ctx, next.ID, fryer.ID, "chef-1")
	assert.True(t, IsValidation(err))

	_, err = f.router.Reroute(ctx, 999, fryer.ID, "chef-1")
	assert.True(t, IsNotFound(err))
}

func TestUpsertOrderAndCancel(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)

	order, err := f.router.UpsertOrder(ctx, models.Order{ID: 7, TableID: "T9", Type: models.OrderTypeFood})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusNew, order.Status)

	order.SeatID = "2"
	_, err = f.router.UpsertOrder(ctx, *order)
	require.NoError(t, err)

	changes := f.changes(t, models.ChangeTableOrders)
	require.Len(t, changes, 2)
	assert.Equal(t, models.ChangeInsert, changes[0].ActionType)
	assert.Equal(t, models.ChangeUpdate, changes[1].ActionType)

	rec := f.routeTo(t, *order, grill.ID)

	updated, err := f.router.SetOrderStatus(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, updated.Status)

	closed := f.reload(t, rec.ID)
	assert.False(t, closed.Active())
	assert.Equal(t, models.CloseReasonCancelled, closed.CloseReason)
	assert.Empty(t, f.metrics(t, models.MetricPrepTime))

	_, err = f.router.SetOrderStatus(ctx, 404, models.OrderStatusReady)
	assert.True(t, IsNotFound(err))

	_, err = f.router.UpsertOrder(ctx, models.Order{TableID: "T1", Type: models.OrderTypeFood})
	assert.True(t, IsValidation(err))
}

func TestOrderStatusMustBeKnown(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.UpsertOrder(ctx, models.Order{ID: 8, TableID: "T2", Type: models.OrderTypeFood, Status: "whatever"})
	assert.True(t, IsValidation(err))
	var count int64
	require.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", 8).Count(&count).Error)
	assert.Zero(t, count)

	order, err := f.router.UpsertOrder(ctx, models.Order{ID: 9, TableID: "T2", Type: models.OrderTypeFood})
	require.NoError(t, err)
	before := len(f.changes(t, models.ChangeTableOrders))

	_, err = f.router.SetOrderStatus(ctx, order.ID, "bogus")
	assert.True(t, IsValidation(err))

	var stored models.Order
	require.NoError(t, f.db.First(&stored, order.ID).Error)
	assert.Equal(t, models.OrderStatusNew, stored.Status)
	assert.Len(t, f.changes(t, models.ChangeTableOrders), before)
}

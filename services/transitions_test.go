package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/kitchen-router/models"
)

func TestTransitionStartAndComplete(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	rec := f.routeTo(t, f.order(t, 1, "T1", models.OrderTypeFood), grill.ID)

	f.advance(time.Minute)
	started, err := f.transitions.Transition(ctx, rec.ID, ActionStart, "chef-1")
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, 2, started.Version)
	assert.True(t, started.Active())

	waits := f.metrics(t, models.MetricWaitTime)
	require.Len(t, waits, 1)
	assert.Equal(t, 60.0, waits[0].Value)

	_, err = f.transitions.Transition(ctx, rec.ID, ActionStart, "chef-1")
	assert.True(t, IsConflict(err), "start twice")

	f.advance(5 * time.Minute)
	done, err := f.transitions.Transition(ctx, rec.ID, ActionComplete, "chef-1")
	require.NoError(t, err)
	assert.False(t, done.Active())
	assert.Equal(t, models.CloseReasonCompleted, done.CloseReason)
	assert.Equal(t, 3, done.Version)
	assert.Nil(t, done.ActiveSlot)

	stored := f.reload(t, rec.ID)
	require.NotNil(t, stored.ActualPrepSeconds)
	assert.Equal(t, 300, *stored.ActualPrepSeconds, "measured from started_at")

	prep := f.metrics(t, models.MetricPrepTime)
	require.Len(t, prep, 1)
	assert.Equal(t, 300.0, prep[0].Value)
	assert.Equal(t, "2026-03-10", prep[0].ShiftDate)
	assert.Equal(t, 12, prep[0].Hour)

	_, err = f.transitions.Transition(ctx, rec.ID, ActionComplete, "chef-1")
	assert.True(t, IsConflict(err), "complete twice")
	_, err = f.transitions.Transition(ctx, rec.ID, ActionStart, "chef-1")
	assert.True(t, IsConflict(err), "start after completion")
}

func TestTransitionBump(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)

	t.Run("active record is closed", func(t *testing.T) {
		rec := f.routeTo(t, f.order(t, 1, "T1", models.OrderTypeFood), grill.ID)
		f.advance(4 * time.Minute)

		bumped, err := f.transitions.Transition(ctx, rec.ID, ActionBump, "expo-1")
		require.NoError(t, err)
		assert.False(t, bumped.Active())
		assert.Equal(t, models.CloseReasonBumped, bumped.CloseReason)
		require.NotNil(t, bumped.BumpedBy)
		assert.Equal(t, "expo-1", *bumped.BumpedBy)
		assert.Equal(t, 240, *f.reload(t, rec.ID).ActualPrepSeconds)

		_, err = f.transitions.Transition(ctx, rec.ID, ActionBump, "expo-1")
		assert.True(t, IsConflict(err))
	})

	t.Run("completed record is cleared", func(t *testing.T) {
		rec := f.routeTo(t, f.order(t, 2, "T1", models.OrderTypeFood), grill.ID)
		f.advance(time.Minute)
		_, err := f.transitions.Transition(ctx, rec.ID, ActionComplete, "chef-1")
		require.NoError(t, err)
		completedAt := *f.reload(t, rec.ID).CompletedAt

		f.advance(time.Minute)
		bumped, err := f.transitions.Transition(ctx, rec.ID, ActionBump, "expo-1")
		require.NoError(t, err)
		assert.Equal(t, models.CloseReasonBumped, bumped.CloseReason)
		assert.True(t, bumped.CompletedAt.Equal(completedAt), "completion time is kept")
		require.NotNil(t, bumped.BumpedAt)
		assert.True(t, bumped.BumpedAt.After(completedAt))
	})

	assert.Len(t, f.metrics(t, models.MetricBumpTime), 2)
	assert.Len(t, f.metrics(t, models.MetricPrepTime), 2, "prep time is recorded once per completion")
}

func TestTransitionRecall(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	fryer := f.station(t, "Fryer", models.StationTypeFryer)
	rec := f.routeTo(t, f.order(t, 1, "T1", models.OrderTypeFood), grill.ID)

	_, err := f.transitions.Transition(ctx, rec.ID, ActionRecall, "expo-1")
	assert.True(t, IsConflict(err), "active records cannot be recalled")

	f.advance(2 * time.Minute)
	_, err = f.transitions.Transition(ctx, rec.ID, ActionBump, "expo-1")
	require.NoError(t, err)

	f.advance(time.Minute)
	recalled, err := f.transitions.Transition(ctx, rec.ID, ActionRecall, "expo-1")
	require.NoError(t, err)
	assert.True(t, recalled.Active())
	assert.Equal(t, 1, recalled.RecallCount)
	assert.Equal(t, 3, recalled.Version)
	assert.Nil(t, recalled.BumpedAt)
	assert.Nil(t, recalled.ActualPrepSeconds)
	assert.Empty(t, recalled.CloseReason)
	require.NotNil(t, recalled.RecalledAt)
	require.NotNil(t, recalled.ActiveSlot)

	// Recalled records hold the active slot again.
	_, err = f.router.RouteOrder(ctx, *recalled.Order, RouteOptions{Stops: []Stop{{StationID: grill.ID, Sequence: 1}}})
	assert.True(t, IsValidation(err))

	moved, err := f.router.Reroute(ctx, rec.ID, fryer.ID, "expo-1")
	require.NoError(t, err)
	_, err = f.transitions.Transition(ctx, rec.ID, ActionRecall, "expo-1")
	assert.True(t, IsConflict(err), "reassigned records cannot be recalled")

	f.advance(time.Minute)
	_, err = f.transitions.Transition(ctx, moved.ID, ActionComplete, "chef-2")
	require.NoError(t, err)
	_, err = f.transitions.Transition(ctx, rec.ID, ActionRecall, "expo-1")
	assert.True(t, IsConflict(err))
}

func TestTransitionRecallWhileStopIsTakenConflicts(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	order := f.order(t, 1, "T1", models.OrderTypeFood)
	rec := f.routeTo(t, order, grill.ID)

	_, err := f.transitions.Transition(ctx, rec.ID, ActionComplete, "chef-1")
	require.NoError(t, err)
	f.routeTo(t, order, grill.ID)

	_, err = f.transitions.Transition(ctx, rec.ID, ActionRecall, "expo-1")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, f.reload(t, rec.ID).Active())
}

func TestTransitionRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	rec := f.routeTo(t, f.order(t, 1, "T1", models.OrderTypeFood), grill.ID)

	_, err := f.transitions.Transition(ctx, rec.ID, "flip", "chef-1")
	assert.True(t, IsValidation(err))

	_, err = f.transitions.Transition(ctx, rec.ID, ActionStart, "  ")
	assert.True(t, IsValidation(err))

	_, err = f.transitions.Transition(ctx, 999, ActionStart, "chef-1")
	assert.True(t, IsNotFound(err))

	assert.Equal(t, 1, f.reload(t, rec.ID).Version)
}

func TestConcurrentBumpHasOneWinner(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	rec := f.routeTo(t, f.order(t, 1, "T1", models.OrderTypeFood), grill.ID)
	f.advance(3 * time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.transitions.Transition(ctx, rec.ID, ActionBump, "expo")
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, f.metrics(t, models.MetricBumpTime), 1)
	assert.Len(t, f.metrics(t, models.MetricPrepTime), 1)
	assert.Equal(t, 2, f.reload(t, rec.ID).Version)
}

func TestConditionalUpdateRequiresReadVersion(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	rec := f.routeTo(t, f.order(t, 1, "T1", models.OrderTypeFood), grill.ID)

	stale := rec
	ok, err := conditionalUpdate(f.db, &rec, map[string]interface{}{"notes": "first", "version": 2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = conditionalUpdate(f.db, &stale, map[string]interface{}{"notes": "second", "version": 2})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "first", f.reload(t, rec.ID).Notes)
}

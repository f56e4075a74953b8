package services

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/models"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []kds.Event
}

func (p *capturePublisher) Publish(e kds.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func TestChangeMonitorRelaysInOrder(t *testing.T) {
	f := newFixture(t)
	grill := f.station(t, "Grill", models.StationTypeGrill)
	first := f.routeTo(t, f.order(t, 1, "T1", models.OrderTypeFood), grill.ID)
	f.routeTo(t, f.order(t, 2, "T2", models.OrderTypeFood), grill.ID)
	_, err := f.transitions.Transition(ctx, first.ID, ActionStart, "chef-1")
	require.NoError(t, err)

	pub := &capturePublisher{}
	monitor := NewChangeMonitor(f.db, pub)

	n, err := monitor.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, pub.events, 3)

	for i, e := range pub.events {
		assert.Equal(t, kds.EventRoutingChange, e.Type)
		assert.Equal(t, grill.ID, e.StationID)
		if i > 0 {
			assert.Greater(t, e.Seq, pub.events[i-1].Seq)
		}
	}
	assert.Equal(t, "T1", pub.events[0].TableID)
	assert.Equal(t, models.ChangeUpdate, pub.events[2].Action)

	var rec models.RoutingRecord
	require.NoError(t, json.Unmarshal(pub.events[2].Data, &rec))
	assert.Equal(t, first.ID, rec.ID)
	assert.NotNil(t, rec.StartedAt)

	n, err = monitor.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rows are marked processed")

	var pending int64
	require.NoError(t, f.db.Model(&models.DBChange{}).Where("processed = ?", false).Count(&pending).Error)
	assert.Zero(t, pending)
}

package kds

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/kitchen-router/utils"
)

func drain(c *Client) []Event {
	var out []Event
	for {
		select {
		case data := <-c.send:
			var e Event
			if err := json.Unmarshal(data, &e); err == nil {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}

func TestHubPublishFollowsFilters(t *testing.T) {
	utils.SilenceLoggers()
	hub := NewHub()
	grill := NewClient(hub, nil, Filter{Role: RoleKitchen, StationID: 1}, 8)
	expo := NewClient(hub, nil, Filter{Role: RoleExpo}, 8)
	require.True(t, hub.Register(grill))
	require.True(t, hub.Register(expo))
	assert.Equal(t, 2, hub.ClientCount())

	hub.Publish(Event{Seq: 1, Type: EventRoutingChange, StationID: 1})
	hub.Publish(Event{Seq: 2, Type: EventRoutingChange, StationID: 2})
	hub.Publish(Event{Seq: 3, Type: EventOrderChange, TableID: "T1"})

	got := drain(grill)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Len(t, drain(expo), 3)
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	utils.SilenceLoggers()
	hub := NewHub()
	slow := NewClient(hub, nil, Filter{Role: RoleExpo}, 1)
	fast := NewClient(hub, nil, Filter{Role: RoleExpo}, 8)
	hub.Register(slow)
	hub.Register(fast)

	hub.Publish(Event{Seq: 1, Type: EventOrderChange})
	hub.Publish(Event{Seq: 2, Type: EventOrderChange})

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow client should have been closed")
	}
	assert.Equal(t, 1, hub.ClientCount())
	assert.Len(t, drain(fast), 2, "other clients are unaffected")
	assert.False(t, slow.Enqueue(Event{Seq: 3}))
}

func TestHubServeClosesClients(t *testing.T) {
	utils.SilenceLoggers()
	hub := NewHub()
	c := NewClient(hub, nil, Filter{Role: RoleServer}, 4)
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	<-c.Done()
	assert.Zero(t, hub.ClientCount())
	assert.False(t, hub.Register(NewClient(hub, nil, Filter{Role: RoleServer}, 4)), "no registrations after shutdown")
}

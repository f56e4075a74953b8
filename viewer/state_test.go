package viewer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Subscribed, false},
		{Connecting, Subscribed, true},
		{Connecting, Degraded, true},
		{Subscribed, Degraded, true},
		{Subscribed, Reconnecting, false},
		{Degraded, Reconnecting, true},
		{Degraded, Offline, true},
		{Degraded, Subscribed, false},
		{Reconnecting, Subscribed, true},
		{Reconnecting, Offline, false},
		{Offline, Reconnecting, true},
		{Offline, Subscribed, false},
		{Offline, Disconnected, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "offline", Offline.String())
	assert.Equal(t, "unknown", State(42).String())
}

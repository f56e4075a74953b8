package kds

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/kitchen-router/metrics"
	"github.com/yeremiapane/kitchen-router/utils"
)

// Hub fans change events out to connected viewers. Each viewer has its own
// bounded queue; a viewer whose queue is full is disconnected so that one
// slow screen never holds up the rest.
type Hub struct {
	mutex   sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Register adds a client. It returns false once the hub has shut down.
func (h *Hub) Register(c *Client) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.ConnectedViewers.Set(float64(len(h.clients)))
	utils.InfoLogger.WithFields(logrus.Fields{
		"client":     c.ID,
		"role":       c.Filter.Role,
		"station_id": c.Filter.StationID,
		"table_id":   c.Filter.TableID,
	}).Info("viewer subscribed")
	return true
}

// Unregister removes a client and closes it. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mutex.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	metrics.ConnectedViewers.Set(float64(len(h.clients)))
	h.mutex.Unlock()

	c.Close()
	if ok {
		utils.InfoLogger.WithField("client", c.ID).Info("viewer unsubscribed")
	}
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Publish delivers e to every client whose filter matches. It never blocks.
func (h *Hub) Publish(e Event) {
	var slow []*Client

	h.mutex.RLock()
	for c := range h.clients {
		if !c.Filter.Matches(e) {
			continue
		}
		if c.Enqueue(e) {
			metrics.EventsDelivered.Inc()
			continue
		}
		metrics.EventsDropped.WithLabelValues("slow_consumer").Inc()
		slow = append(slow, c)
	}
	h.mutex.RUnlock()

	for _, c := range slow {
		utils.ErrorLogger.WithField("client", c.ID).Warn("viewer queue full, disconnecting")
		h.Unregister(c)
	}
}

// Serve blocks until ctx is cancelled and then disconnects every client.
func (h *Hub) Serve(ctx context.Context) error {
	<-ctx.Done()

	h.mutex.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	metrics.ConnectedViewers.Set(0)
	h.mutex.Unlock()

	for _, c := range clients {
		c.Close()
	}
	return ctx.Err()
}

func (h *Hub) String() string { return "kds-hub" }

package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS middleware
	},
}

type KDSController struct {
	Hub       *kds.Hub
	Feed      *kds.Feed
	QueueSize int
}

func NewKDSController(hub *kds.Hub, feed *kds.Feed, queueSize int) *KDSController {
	return &KDSController{Hub: hub, Feed: feed, QueueSize: queueSize}
}

// KDSHandler -> WebSocket change feed.
// Query: role=kitchen|expo|server, station_id, table_id, since.
func (kc *KDSController) KDSHandler(c *gin.Context) {
	filter := kds.Filter{
		Role:    kds.Role(c.Query("role")),
		TableID: c.Query("table_id"),
	}
	if raw := c.Query("station_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			utils.RespondError(c, http.StatusBadRequest, err)
			return
		}
		filter.StationID = uint(id)
	}
	if err := filter.Validate(); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	var since uint64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			utils.RespondError(c, http.StatusBadRequest, err)
			return
		}
		since = v
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.ErrorLogger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := kds.NewClient(kc.Hub, ws, filter, kc.QueueSize)
	if !kc.Hub.Register(client) {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = ws.Close()
		return
	}
	if err := kc.Feed.Subscribe(c.Request.Context(), client, since); err != nil {
		utils.ErrorLogger.WithError(err).WithField("client", client.ID).Error("initial sync failed")
		kc.Hub.Unregister(client)
		_ = ws.Close()
		return
	}

	// Blocks until the viewer disconnects.
	client.Run()
}

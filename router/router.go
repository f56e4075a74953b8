package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/yeremiapane/kitchen-router/controllers"
	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/middlewares"
	"github.com/yeremiapane/kitchen-router/services"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	DB          *gorm.DB
	Router      *services.OrderRouter
	Transitions *services.TransitionService
	Tables      *services.TableService
	Stations    *services.StationRegistry
	Health      *services.HealthService
	Hub         *kds.Hub
	Feed        *kds.Feed

	CORSOrigins     []string
	RateLimit       float64
	RateLimitBurst  int
	ViewerQueueSize int
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddlewares(d.CORSOrigins))
	r.Use(middlewares.LoggerMiddleware())

	orderCtrl := controllers.NewOrderController(d.DB, d.Router)
	routingCtrl := controllers.NewRoutingController(d.Router, d.Transitions)
	tableCtrl := controllers.NewTableController(d.Tables)
	adminCtrl := controllers.NewAdminController(d.Stations, d.Health)
	kdsCtrl := controllers.NewKDSController(d.Hub, d.Feed, d.ViewerQueueSize)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Change feed for kitchen, expo and server screens
	r.GET("/kds/ws", kdsCtrl.KDSHandler)

	api := r.Group("/api")
	if d.RateLimit > 0 {
		api.Use(middlewares.NewRateLimiter(d.RateLimit, d.RateLimitBurst).RateLimit())
	}

	// ORDERS
	api.POST("/orders", orderCtrl.UpsertOrder)
	api.GET("/orders/unrouted", orderCtrl.ListUnrouted)
	api.POST("/orders/:order_id/route", orderCtrl.RouteOrder)
	api.PATCH("/orders/:order_id/status", orderCtrl.UpdateOrderStatus)

	// ROUTING
	api.POST("/routing/:routing_id/transition", routingCtrl.Transition)
	api.POST("/routing/:routing_id/reroute", routingCtrl.Reroute)

	// TABLES
	api.GET("/tables/groups", tableCtrl.GetTableGroups)
	api.POST("/tables/:table_id/complete", tableCtrl.CompleteTable)

	// STATIONS & HEALTH
	api.GET("/stations", adminCtrl.ListStations)
	api.POST("/stations/cache/invalidate", adminCtrl.InvalidateStations)
	api.GET("/health", adminCtrl.HealthCheck)

	return r
}

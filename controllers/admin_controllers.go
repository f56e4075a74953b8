package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/kitchen-router/services"
	"github.com/yeremiapane/kitchen-router/utils"
)

type AdminController struct {
	Stations *services.StationRegistry
	Health   *services.HealthService
}

func NewAdminController(stations *services.StationRegistry, health *services.HealthService) *AdminController {
	return &AdminController{Stations: stations, Health: health}
}

// ListStations -> active stations as seen by the router
func (ac *AdminController) ListStations(c *gin.Context) {
	stations, err := ac.Stations.ListActiveStations(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Active stations", stations)
}

// InvalidateStations drops the station cache after an administrative change.
func (ac *AdminController) InvalidateStations(c *gin.Context) {
	ac.Stations.Invalidate()
	utils.InfoLogger.WithField("client", c.ClientIP()).Info("station cache invalidated")
	utils.RespondJSON(c, http.StatusOK, "Station cache invalidated", nil)
}

// HealthCheck returns 200 when healthy and 503 when degraded, with the
// report in both cases.
func (ac *AdminController) HealthCheck(c *gin.Context) {
	report, err := ac.Health.HealthCheck(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	status := http.StatusOK
	if report.Status != services.HealthOK {
		status = http.StatusServiceUnavailable
	}
	utils.RespondJSON(c, status, report.Status, report)
}

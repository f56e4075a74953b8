package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/kitchen-router/models"
	"github.com/yeremiapane/kitchen-router/services"
	"github.com/yeremiapane/kitchen-router/utils"
)

type RoutingController struct {
	Router      *services.OrderRouter
	Transitions *services.TransitionService
}

func NewRoutingController(router *services.OrderRouter, transitions *services.TransitionService) *RoutingController {
	return &RoutingController{Router: router, Transitions: transitions}
}

// Transition -> start, bump, recall or complete a routing
func (rc *RoutingController) Transition(c *gin.Context) {
	routingID, ok := uintParam(c, "routing_id")
	if !ok {
		return
	}
	var req struct {
		Action  models.Action `json:"action" binding:"required"`
		ActorID string        `json:"actor_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	rec, err := rc.Transitions.Transition(c.Request.Context(), routingID, req.Action, req.ActorID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Routing "+string(req.Action)+" applied", rec)
}

// Reroute -> move an active routing to another station
func (rc *RoutingController) Reroute(c *gin.Context) {
	routingID, ok := uintParam(c, "routing_id")
	if !ok {
		return
	}
	var req struct {
		StationID uint   `json:"station_id" binding:"required"`
		ActorID   string `json:"actor_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	rec, err := rc.Router.Reroute(c.Request.Context(), routingID, req.StationID, req.ActorID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Routing reassigned", rec)
}

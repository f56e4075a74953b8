package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/kitchen-router/services"
	"github.com/yeremiapane/kitchen-router/utils"
)

type TableController struct {
	Tables *services.TableService
}

func NewTableController(tables *services.TableService) *TableController {
	return &TableController{Tables: tables}
}

// GetTableGroups -> live routings grouped per table, optionally for one station
func (tc *TableController) GetTableGroups(c *gin.Context) {
	var stationID *uint
	if raw := c.Query("station_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			utils.RespondError(c, http.StatusBadRequest, errors.New("invalid station_id"))
			return
		}
		sid := uint(id)
		stationID = &sid
	}

	groups, err := tc.Tables.GetTableGroups(c.Request.Context(), stationID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Table groups", groups)
}

// CompleteTable -> complete every active routing of a table, all or nothing
func (tc *TableController) CompleteTable(c *gin.Context) {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondError(c, http.StatusBadRequest, err)
			return
		}
	}

	records, err := tc.Tables.CompleteTable(c.Request.Context(), c.Param("table_id"), req.ActorID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Table completed", records)
}

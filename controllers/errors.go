package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/kitchen-router/services"
	"github.com/yeremiapane/kitchen-router/utils"
)

// statusFor maps the routing error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case services.IsValidation(err):
		return http.StatusUnprocessableEntity
	case services.IsConflict(err):
		return http.StatusConflict
	case services.IsNotFound(err):
		return http.StatusNotFound
	case services.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorDetails struct {
	Kind      string `json:"kind"`
	Op        string `json:"op,omitempty"`
	Reason    string `json:"reason,omitempty"`
	OrderID   uint   `json:"order_id,omitempty"`
	RoutingID uint   `json:"routing_id,omitempty"`
}

func respondServiceError(c *gin.Context, err error) {
	var re *services.RoutingError
	if !errors.As(err, &re) {
		utils.RespondError(c, statusFor(err), err)
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		utils.ErrorLogger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	utils.RespondErrorData(c, status, err, errorDetails{
		Kind:      re.Kind.Error(),
		Op:        re.Op,
		Reason:    re.Reason,
		OrderID:   re.OrderID,
		RoutingID: re.RoutingID,
	})
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		utils.RespondError(c, http.StatusBadRequest, errors.New("invalid "+name))
		return 0, false
	}
	return uint(id), true
}

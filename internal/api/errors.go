package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aristath/taskengine/internal/engine"
	"github.com/aristath/taskengine/internal/scheduler"
)

// errBadRequest marks malformed requests.
var errBadRequest = errors.New("bad request")

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, scheduler.ErrInvalidDependency),
		errors.Is(err, scheduler.ErrUnknownType),
		errors.Is(err, scheduler.ErrInvalidPriority),
		errors.Is(err, scheduler.ErrInvalidRetries),
		errors.Is(err, engine.ErrUnknownTransport):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrIllegalTransition),
		errors.Is(err, scheduler.ErrRetriesExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// abort writes {"error": msg} with the mapped status.
func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

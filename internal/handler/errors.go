package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/pkg/response"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// handleError converts domain errors to HTTP responses
func handleError(c *gin.Context, err error) {
	var (
		conflict *domain.ReservationConflictError
		capacity *domain.CapacityError
		internal *domain.InternalError
	)

	var resp *response.Response
	switch {
	case errors.As(err, &conflict):
		resp = response.ErrorWithDetails(
			response.ErrCodeReservationConflict,
			err.Error(),
			map[string]interface{}{"seat_ids": conflict.SeatIDs},
		)
	case errors.As(err, &capacity):
		code := response.ErrCodeCapacityExceeded
		if capacity.Reason == domain.CapacityReasonSoldOut {
			code = response.ErrCodeSoldOut
		}
		resp = response.ErrorWithDetails(code, err.Error(), map[string]interface{}{
			"ticket_id": capacity.TicketID,
			"remaining": capacity.Remaining,
		})
	case domain.IsValidationError(err):
		resp = response.InvalidRequest(err.Error())
	case domain.IsNotFoundError(err):
		resp = response.NotFound(err.Error())
	case errors.Is(err, domain.ErrBookingAlreadyCancelled):
		resp = response.Error(response.ErrCodeAlreadyCancelled, err.Error())
	case errors.Is(err, domain.ErrSeatBooked):
		resp = response.Error(response.ErrCodeSeatBooked, err.Error())
	case errors.As(err, &internal) && internal.Retryable:
		c.JSON(http.StatusServiceUnavailable, response.ErrorWithDetails(
			response.ErrCodeInternalError,
			"temporarily unable to complete the request, please retry",
			withTraceID(c, map[string]interface{}{"retryable": true}),
		))
		return
	default:
		resp = response.InternalError("")
		resp.Error.Details = withTraceID(c, nil)
	}

	c.JSON(response.GetHTTPStatus(resp.Error.Code), resp)
}

// withTraceID adds the request's trace id so a 5xx can be found in traces
func withTraceID(c *gin.Context, details map[string]interface{}) map[string]interface{} {
	traceID := telemetry.GetTraceID(c.Request.Context())
	if traceID == "" {
		return details
	}
	if details == nil {
		details = make(map[string]interface{}, 1)
	}
	details["trace_id"] = traceID
	return details
}

// bindError writes a 400 for a body that failed to bind
func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, response.ErrorWithDetails(
		response.ErrCodeInvalidRequest,
		"invalid request",
		map[string]interface{}{"reason": err.Error()},
	))
}

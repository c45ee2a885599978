package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/dto"
	"github.com/prohmpiriya/seat-reservation/internal/service"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
	"github.com/prohmpiriya/seat-reservation/pkg/response"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// AdminHandler handles operator endpoints. Routes are mounted behind
// JWT auth with the admin or operator role.
type AdminHandler struct {
	cancellation service.CancellationService
	inventory    service.InventoryService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(cancellation service.CancellationService, inventory service.InventoryService) *AdminHandler {
	return &AdminHandler{
		cancellation: cancellation,
		inventory:    inventory,
	}
}

// CancelBooking handles POST /bookings/:id/cancel
func (h *AdminHandler) CancelBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.admin.cancel_booking")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	bookingID := c.Param("id")
	req, ok := bindCancel(c)
	if !ok {
		span.SetStatus(codes.Error, "invalid request")
		return
	}

	span.SetAttributes(
		attribute.String("booking_id", bookingID),
		attribute.String("operator_id", c.GetString("user_id")),
	)

	result, err := h.cancellation.CancelBooking(ctx, bookingID, req.Reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	logger.Get().InfoContext(ctx, "Booking cancelled by operator",
		zap.String("booking_id", bookingID),
		zap.String("operator_id", c.GetString("user_id")),
	)
	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, response.Success(result))
}

// CancelMasterBooking handles POST /master-bookings/:id/cancel
func (h *AdminHandler) CancelMasterBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.admin.cancel_master_booking")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	masterID := c.Param("id")
	req, ok := bindCancel(c)
	if !ok {
		span.SetStatus(codes.Error, "invalid request")
		return
	}

	span.SetAttributes(
		attribute.String("master_booking_id", masterID),
		attribute.String("operator_id", c.GetString("user_id")),
	)

	result, err := h.cancellation.CancelMasterBooking(ctx, masterID, req.Reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	logger.Get().InfoContext(ctx, "Master booking cancelled by operator",
		zap.String("master_booking_id", masterID),
		zap.Int("bookings", len(result.BookingIDs)),
		zap.String("operator_id", c.GetString("user_id")),
	)
	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, response.Success(result))
}

// SetSeatDisabled handles PUT /events/:eventId/seats/:seatId/disabled
func (h *AdminHandler) SetSeatDisabled(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.admin.set_seat_disabled")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.SetSeatDisabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		bindError(c, err)
		return
	}

	eventID, seatID := c.Param("eventId"), c.Param("seatId")
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("seat_id", seatID),
		attribute.Bool("disabled", *req.Disabled),
	)

	if err := h.inventory.SetSeatDisabled(ctx, eventID, seatID, *req.Disabled); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, response.Success(gin.H{
		"event_id": eventID,
		"seat_id":  seatID,
		"disabled": *req.Disabled,
	}))
}

// bindCancel reads the optional cancel body
func bindCancel(c *gin.Context) (*dto.CancelRequest, bool) {
	var req dto.CancelRequest
	if c.Request.ContentLength == 0 {
		return &req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return nil, false
	}
	return &req, true
}

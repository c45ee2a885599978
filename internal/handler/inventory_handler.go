package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/prohmpiriya/seat-reservation/internal/service"
	"github.com/prohmpiriya/seat-reservation/pkg/response"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// InventoryHandler serves seat map and availability reads
type InventoryHandler struct {
	inventory service.InventoryService
}

// NewInventoryHandler creates a new inventory handler
func NewInventoryHandler(inventory service.InventoryService) *InventoryHandler {
	return &InventoryHandler{inventory: inventory}
}

// SeatMap handles GET /events/:eventId/seats?ids=A1,A2
func (h *InventoryHandler) SeatMap(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.inventory.seat_map")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	eventID := c.Param("eventId")
	ids := c.Query("ids")
	if ids == "" {
		span.SetStatus(codes.Error, "ids required")
		c.JSON(http.StatusBadRequest, response.Error(response.ErrCodeInvalidRequest, "ids query parameter is required"))
		return
	}

	span.SetAttributes(attribute.String("event_id", eventID))

	result, err := h.inventory.SeatMap(ctx, eventID, strings.Split(ids, ","))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, response.Success(result))
}

// Availability handles GET /ticket-types/:id/availability
func (h *InventoryHandler) Availability(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.inventory.availability")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	ticketID := c.Param("id")
	span.SetAttributes(attribute.String("ticket_id", ticketID))

	result, err := h.inventory.Availability(ctx, ticketID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, response.Success(result))
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/prohmpiriya/seat-reservation/internal/dto"
	"github.com/prohmpiriya/seat-reservation/internal/service"
	"github.com/prohmpiriya/seat-reservation/pkg/middleware"
	"github.com/prohmpiriya/seat-reservation/pkg/response"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// ReservationHandler handles checkout HTTP requests.
// Validate places holds, Commit turns them into bookings.
type ReservationHandler struct {
	validator service.ReservationValidator
	committer service.ReservationCommitter
	inventory service.InventoryService
}

// NewReservationHandler creates a new reservation handler
func NewReservationHandler(validator service.ReservationValidator, committer service.ReservationCommitter, inventory service.InventoryService) *ReservationHandler {
	return &ReservationHandler{
		validator: validator,
		committer: committer,
		inventory: inventory,
	}
}

// Validate handles POST /reservations/validate
// An unavailable seat or line is still a 200 with valid=false
func (h *ReservationHandler) Validate(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.reservation.validate")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.ValidateReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		bindError(c, err)
		return
	}

	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("session_id", req.SessionID),
		attribute.Int("lines", len(req.Lines)),
	)

	result, err := h.validator.Validate(ctx, req.ToDomain())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetAttributes(attribute.Bool("valid", result.Valid))
	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, response.Success(result))
}

// Commit handles POST /reservations/commit
func (h *ReservationHandler) Commit(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.reservation.commit")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.CommitReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		bindError(c, err)
		return
	}

	// Buyer defaults to the authenticated caller when the gateway passes one
	if req.BuyerID == "" {
		req.BuyerID = c.GetString("user_id")
	}

	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("session_id", req.SessionID),
		attribute.String("channel", req.Channel),
	)
	if key, ok := middleware.GetIdempotencyKey(c); ok {
		span.SetAttributes(attribute.String("idempotency_key", key))
	}

	result, err := h.committer.Commit(ctx, req.ToDomain())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetAttributes(
		attribute.String("set_id", result.SetID),
		attribute.Int("bookings", len(result.BookingIDs)),
	)
	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusCreated, response.Success(result))
}

// Release handles POST /reservations/release
func (h *ReservationHandler) Release(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.reservation.release")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.ReleaseHoldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		bindError(c, err)
		return
	}

	released, err := h.inventory.ReleaseHolds(ctx, req.ToDomain())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, response.Success(dto.ReleaseHoldsResponse{Released: released}))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/dto"
	"github.com/prohmpiriya/seat-reservation/internal/metrics"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// maxSeatMapSeats caps one seat map read
const maxSeatMapSeats = 500

// InventoryService serves inventory reads and operator seat actions
type InventoryService interface {
	// SeatMap returns ledger status and hold overlay per seat
	SeatMap(ctx context.Context, eventID string, seatIDs []string) (*dto.SeatMapResponse, error)

	// Availability returns the remaining capacity of a ticket type
	Availability(ctx context.Context, ticketID string) (*dto.AvailabilityResponse, error)

	// ReleaseHolds drops a session's holds before they expire
	ReleaseHolds(ctx context.Context, req *domain.ReleaseRequest) (int, error)

	// SetSeatDisabled blocks or reopens sale of a seat
	SetSeatDisabled(ctx context.Context, eventID, seatID string, disabled bool) error
}

type inventoryService struct {
	stores *repository.Stores
	holds  repository.HoldStore
}

// NewInventoryService creates a new inventory service
func NewInventoryService(stores *repository.Stores, holds repository.HoldStore) InventoryService {
	return &inventoryService{stores: stores, holds: holds}
}

// SeatMap reads the ledger and marks available seats held by any session
func (s *inventoryService) SeatMap(ctx context.Context, eventID string, seatIDs []string) (*dto.SeatMapResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.inventory.seat_map")
	defer span.End()

	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.ErrInvalidEventID)
	}
	ids := make([]string, 0, len(seatIDs))
	for _, id := range seatIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	ids = domain.SortedUnique(ids)
	if len(ids) == 0 || len(ids) > maxSeatMapSeats {
		return nil, fmt.Errorf("%w: between 1 and %d seat ids are required", domain.ErrInvalidRequest, maxSeatMapSeats)
	}
	span.SetAttributes(attribute.String("event_id", eventID), attribute.Int("seats", len(ids)))

	states, err := s.stores.Seats.GetStatuses(ctx, eventID, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read seat ledger")
		return nil, &domain.InternalError{Op: "read_seat_ledger", Err: err, Retryable: database.IsTransient(err)}
	}

	holders, err := s.holds.Holders(ctx, eventID, ids)
	if err != nil {
		// The ledger is authoritative; a missing overlay only hides holds.
		logger.Get().WarnContext(ctx, "Failed to read hold overlay",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		holders = nil
	}

	resp := &dto.SeatMapResponse{EventID: eventID, Seats: make([]*dto.SeatResponse, 0, len(ids))}
	for _, id := range ids {
		state, ok := states[id]
		if !ok {
			state = domain.AvailableSeat(eventID, id)
		}
		seat := &dto.SeatResponse{
			SeatID:    id,
			Status:    state.Status.String(),
			BookingID: state.BookingID,
		}
		if !state.UpdatedAt.IsZero() {
			updated := state.UpdatedAt
			seat.UpdatedAt = &updated
		}
		if _, held := holders[id]; held && state.IsAvailable() {
			seat.Held = true
		}
		resp.Seats = append(resp.Seats, seat)
	}
	return resp, nil
}

// Availability reads the capacity counter
func (s *inventoryService) Availability(ctx context.Context, ticketID string) (*dto.AvailabilityResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.inventory.availability")
	defer span.End()

	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.ErrInvalidTicketID)
	}
	span.SetAttributes(attribute.String("ticket_id", ticketID))

	t, err := s.stores.Capacity.Get(ctx, ticketID)
	if err != nil {
		if errors.Is(err, domain.ErrTicketNotFound) {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read capacity")
		return nil, &domain.InternalError{Op: "read_capacity", Err: err, Retryable: database.IsTransient(err)}
	}

	return &dto.AvailabilityResponse{
		TicketID:  t.ID,
		EventID:   t.EventID,
		Name:      t.Name,
		Total:     t.TotalQuantity,
		Remaining: max(t.RemainingQuantity, 0),
		SoldOut:   t.IsSoldOut(),
		UpdatedAt: t.UpdatedAt,
	}, nil
}

// ReleaseHolds deletes only holds owned by the session
func (s *inventoryService) ReleaseHolds(ctx context.Context, req *domain.ReleaseRequest) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.inventory.release_holds")
	defer span.End()

	if req == nil {
		return 0, domain.ErrInvalidRequest
	}
	eventID := strings.TrimSpace(req.EventID)
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.ErrInvalidSession)
	}
	if eventID == "" {
		return 0, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.ErrInvalidEventID)
	}
	seatIDs := domain.SortedUnique(req.SeatIDs)
	if len(seatIDs) == 0 {
		return 0, nil
	}

	released, err := s.holds.Release(ctx, eventID, seatIDs, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to release holds")
		return 0, &domain.InternalError{Op: "release_holds", Err: err, Retryable: true}
	}

	span.SetAttributes(attribute.Int("released", released))
	metrics.RecordHoldRelease(ctx, eventID, released)
	return released, nil
}

// SetSeatDisabled moves a seat between available and disabled
func (s *inventoryService) SetSeatDisabled(ctx context.Context, eventID, seatID string, disabled bool) error {
	ctx, span := telemetry.StartSpan(ctx, "service.inventory.set_seat_disabled")
	defer span.End()

	eventID = strings.TrimSpace(eventID)
	seatID = strings.TrimSpace(seatID)
	if eventID == "" || seatID == "" {
		return fmt.Errorf("%w: event id and seat id are required", domain.ErrInvalidRequest)
	}
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("seat_id", seatID),
		attribute.Bool("disabled", disabled),
	)

	var err error
	if disabled {
		err = s.stores.Seats.Disable(ctx, eventID, seatID)
	} else {
		err = s.stores.Seats.Enable(ctx, eventID, seatID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrSeatBooked) {
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update seat")
		return &domain.InternalError{Op: "set_seat_disabled", Err: err, Retryable: database.IsTransient(err)}
	}

	logger.Get().InfoContext(ctx, "Seat status changed by operator",
		zap.String("event_id", eventID),
		zap.String("seat_id", seatID),
		zap.Bool("disabled", disabled),
	)
	return nil
}

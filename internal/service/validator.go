package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/metrics"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// ReservationValidator decides whether a checkout can proceed and holds
// its seats while it does
type ReservationValidator interface {
	// Validate checks every line and holds the free seats for the session.
	// A shape error is returned as an error; unavailable inventory is
	// reported in the result.
	Validate(ctx context.Context, req *domain.ValidateRequest) (*domain.ValidationResult, error)
}

// ValidatorConfig contains configuration for the validator
type ValidatorConfig struct {
	// HoldTTL is the hold length granted per call, 0 uses the store default
	HoldTTL time.Duration
}

type reservationValidator struct {
	stores  *repository.Stores
	holds   repository.HoldStore
	holdTTL time.Duration
}

// NewReservationValidator creates a new reservation validator. stores are
// used for reads only.
func NewReservationValidator(stores *repository.Stores, holds repository.HoldStore, cfg *ValidatorConfig) ReservationValidator {
	v := &reservationValidator{stores: stores, holds: holds}
	if cfg != nil {
		v.holdTTL = cfg.HoldTTL
	}
	return v
}

// Validate checks pool lines against remaining capacity and seat lines
// against the ledger and the hold store
func (v *reservationValidator) Validate(ctx context.Context, req *domain.ValidateRequest) (*domain.ValidationResult, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.validate")
	defer span.End()

	if req == nil {
		span.SetStatus(codes.Error, "nil request")
		return nil, domain.ErrInvalidRequest
	}
	if err := req.Normalize(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("session_id", req.SessionID),
		attribute.Int("lines", len(req.Lines)),
	)

	tickets, err := loadTickets(ctx, v.stores.Capacity, req.EventID, req.TicketIDs())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load tickets")
		return nil, err
	}

	result := &domain.ValidationResult{Valid: true, UnavailableSeatIDs: []string{}}

	quantities := req.PoolQuantities()
	for _, ticketID := range sortedKeys(quantities) {
		if failure := checkPool(tickets[ticketID], quantities[ticketID]); failure != nil {
			result.LineFailures = append(result.LineFailures, *failure)
		}
	}

	granted, err := v.holdSeats(ctx, req, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to hold seats")
		return nil, err
	}

	if len(result.UnavailableSeatIDs) > 0 || len(result.LineFailures) > 0 {
		result.Valid = false
		// Holds this call created would block other sessions for nothing.
		releaseHolds(ctx, v.holds, req.EventID, req.SessionID, granted)
	}
	result.Message = validationMessage(result)

	span.SetAttributes(
		attribute.Bool("valid", result.Valid),
		attribute.Int("unavailable_seats", len(result.UnavailableSeatIDs)),
	)
	metrics.RecordValidation(ctx, req.EventID, result.Valid, len(result.UnavailableSeatIDs), start)
	return result, nil
}

// checkPool is the advisory capacity read. The commit re-checks atomically.
func checkPool(t *domain.TicketType, qty int) *domain.LineFailure {
	switch {
	case t.IsSoldOut():
		return &domain.LineFailure{TicketID: t.ID, Reason: domain.LineFailureSoldOut, Requested: qty, Remaining: max(t.RemainingQuantity, 0)}
	case !t.CanCover(qty):
		return &domain.LineFailure{TicketID: t.ID, Reason: domain.LineFailureLimitReached, Requested: qty, Remaining: t.RemainingQuantity}
	}
	return nil
}

// holdSeats records unavailable seats in result and returns the holds
// newly granted by this call
func (v *reservationValidator) holdSeats(ctx context.Context, req *domain.ValidateRequest, result *domain.ValidationResult) ([]string, error) {
	seatIDs := req.SeatIDs()
	if len(seatIDs) == 0 {
		return nil, nil
	}

	states, err := v.stores.Seats.GetStatuses(ctx, req.EventID, seatIDs)
	if err != nil {
		return nil, &domain.InternalError{Op: "read_seat_ledger", Err: err, Retryable: database.IsTransient(err)}
	}

	unavailable := make(map[string]struct{})
	candidates := make([]string, 0, len(seatIDs))
	for _, id := range seatIDs {
		if state, ok := states[id]; ok && !state.IsAvailable() {
			unavailable[id] = struct{}{}
			continue
		}
		candidates = append(candidates, id)
	}

	var granted []string
	if len(candidates) > 0 {
		acquired, err := v.holds.Acquire(ctx, req.EventID, candidates, req.SessionID, v.holdTTL)
		if err != nil {
			return nil, &domain.InternalError{Op: "acquire_holds", Err: err, Retryable: true}
		}
		for _, id := range acquired.Conflicts {
			unavailable[id] = struct{}{}
		}
		granted = acquired.Granted

		logger.Get().DebugContext(ctx, "Seats held",
			zap.String("event_id", req.EventID),
			zap.String("session_id", req.SessionID),
			zap.Int("granted", len(acquired.Granted)),
			zap.Int("renewed", len(acquired.Renewed)),
			zap.Int("conflicts", len(acquired.Conflicts)),
		)
	}

	result.UnavailableSeatIDs = sortedKeys(unavailable)
	return granted, nil
}

func validationMessage(r *domain.ValidationResult) string {
	if r.Valid {
		return "all seats and tickets are available"
	}

	var parts []string
	if n := len(r.UnavailableSeatIDs); n > 0 {
		parts = append(parts, fmt.Sprintf("%d seat(s) unavailable", n))
	}
	for _, f := range r.LineFailures {
		switch f.Reason {
		case domain.LineFailureSoldOut:
			parts = append(parts, fmt.Sprintf("ticket %s is sold out", f.TicketID))
		default:
			parts = append(parts, fmt.Sprintf("ticket %s has only %d remaining", f.TicketID, f.Remaining))
		}
	}
	return strings.Join(parts, "; ")
}

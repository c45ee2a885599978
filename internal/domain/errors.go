package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors
var (
	// Request errors
	ErrInvalidRequest   = errors.New("invalid reservation request")
	ErrInvalidSession   = errors.New("session id is required")
	ErrInvalidEventID   = errors.New("event id is required")
	ErrInvalidTicketID  = errors.New("ticket id is required")
	ErrInvalidQuantity  = errors.New("quantity must be greater than zero")
	ErrQuantityTooLarge = errors.New("quantity exceeds the per-ticket limit")
	ErrInvalidChannel   = errors.New("invalid sales channel")
	ErrInvalidAmount    = errors.New("amount cannot be negative")
	ErrEmptyLines       = errors.New("at least one line is required")
	ErrAmbiguousLine    = errors.New("line must have either seat ids or a quantity")

	// Inventory errors
	ErrTicketNotFound      = errors.New("ticket type not found")
	ErrTicketEventMismatch = errors.New("ticket type does not belong to event")
	ErrSeatUnavailable     = errors.New("seat is not available")
	ErrSeatBooked          = errors.New("seat is booked")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrSoldOut             = errors.New("ticket type is sold out")
	ErrReservationConflict = errors.New("reservation conflict")

	// Booking errors
	ErrBookingNotFound         = errors.New("booking not found")
	ErrBookingAlreadyExists    = errors.New("booking already exists")
	ErrMasterBookingNotFound   = errors.New("master booking not found")
	ErrBookingAlreadyCancelled = errors.New("booking already cancelled")

	ErrOutboxMessageNotFound = errors.New("outbox message not found")
)

// invalid wraps a shape error so errors.Is(err, ErrInvalidRequest) holds
func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}

// CapacityReason tells sold out apart from a partial shortfall
type CapacityReason string

const (
	CapacityReasonInsufficient CapacityReason = "insufficient"
	CapacityReasonSoldOut      CapacityReason = "sold_out"
)

// CapacityError is returned when a pool ticket cannot cover a request
type CapacityError struct {
	TicketID  string
	Reason    CapacityReason
	Requested int
	Remaining int
}

func (e *CapacityError) Error() string {
	if e.Reason == CapacityReasonSoldOut {
		return fmt.Sprintf("ticket type %s is sold out", e.TicketID)
	}
	return fmt.Sprintf("ticket type %s has %d remaining, requested %d", e.TicketID, e.Remaining, e.Requested)
}

// Is matches ErrCapacityExceeded for every reason and ErrSoldOut for sold out
func (e *CapacityError) Is(target error) bool {
	switch target {
	case ErrCapacityExceeded:
		return true
	case ErrSoldOut:
		return e.Reason == CapacityReasonSoldOut
	}
	return false
}

// NewCapacityError derives the reason from what remains
func NewCapacityError(ticketID string, requested, remaining int) *CapacityError {
	reason := CapacityReasonInsufficient
	if remaining <= 0 {
		reason = CapacityReasonSoldOut
	}
	return &CapacityError{TicketID: ticketID, Reason: reason, Requested: requested, Remaining: remaining}
}

// ReservationConflictError lists the seats lost to another session or booking
type ReservationConflictError struct {
	SeatIDs []string
}

func (e *ReservationConflictError) Error() string {
	return fmt.Sprintf("seats not available: %s", strings.Join(e.SeatIDs, ", "))
}

func (e *ReservationConflictError) Is(target error) bool {
	return target == ErrReservationConflict
}

// InternalError wraps a store failure. Retryable is set when the failure
// was transient and a later attempt may succeed.
type InternalError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrTicketNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrMasterBookingNotFound)
}

// IsValidationError checks if the error is a request shape error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsBusinessError reports errors that must never be retried
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrReservationConflict) ||
		errors.Is(err, ErrSeatUnavailable) ||
		errors.Is(err, ErrSeatBooked) ||
		errors.Is(err, ErrBookingAlreadyCancelled) ||
		IsValidationError(err) ||
		IsNotFoundError(err)
}

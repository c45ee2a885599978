package repository

import (
	"context"
	"embed"
	"io/fs"
	"time"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/pkg/saga"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations with *.up.sql at the root
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// HoldStore grants short exclusive seat holds to checkout sessions
type HoldStore interface {
	// Acquire holds every free seat for the session and renews the ones it
	// already owns. Seats held by another session come back as conflicts.
	// A zero ttl uses the store default.
	Acquire(ctx context.Context, eventID string, seatIDs []string, sessionID string, ttl time.Duration) (*domain.AcquireResult, error)

	// Release deletes the session's holds and returns how many it removed
	Release(ctx context.Context, eventID string, seatIDs []string, sessionID string) (int, error)

	// IsHeldByOther reports whether someone other than sessionID holds the seat
	IsHeldByOther(ctx context.Context, eventID, seatID, sessionID string) (bool, error)

	// Holders maps each held seat to its session
	Holders(ctx context.Context, eventID string, seatIDs []string) (map[string]string, error)
}

// SeatLedger is the durable per-event seat disposition
type SeatLedger interface {
	// GetStatuses returns one state per requested seat; unknown seats are available
	GetStatuses(ctx context.Context, eventID string, seatIDs []string) (map[string]domain.SeatState, error)

	// TransitionToBooked books an available seat or fails with ErrSeatUnavailable
	TransitionToBooked(ctx context.Context, eventID, seatID, bookingID string) error

	// Release frees a seat booked by bookingID. ErrSeatUnavailable means the
	// seat is not owned by that booking.
	Release(ctx context.Context, eventID, seatID, bookingID string) error

	// Disable blocks sale of a seat. ErrSeatBooked if the seat is booked.
	Disable(ctx context.Context, eventID, seatID string) error

	// Enable reopens a disabled seat. ErrSeatBooked if the seat is booked.
	Enable(ctx context.Context, eventID, seatID string) error
}

// CapacityCounter is the remaining quantity of pooled ticket types
type CapacityCounter interface {
	Get(ctx context.Context, ticketID string) (*domain.TicketType, error)

	// TryReserve decrements by qty only if that much remains. Fails with
	// *domain.CapacityError or ErrTicketNotFound.
	TryReserve(ctx context.Context, ticketID string, qty int) (*domain.ReserveResult, error)

	// Release gives qty back, never above the total
	Release(ctx context.Context, ticketID string, qty int) error
}

// BookingRepository stores booking units
type BookingRepository interface {
	Create(ctx context.Context, bookings []*domain.Booking) error
	Delete(ctx context.Context, ids []string) error
	GetByID(ctx context.Context, id string) (*domain.Booking, error)

	// MarkCancelled cancels a live booking and returns it. Fails with
	// ErrBookingAlreadyCancelled or ErrBookingNotFound.
	MarkCancelled(ctx context.Context, id, reason string, at time.Time) (*domain.Booking, error)

	// Restore writes back status fields of a previously read booking
	Restore(ctx context.Context, b *domain.Booking) error
}

// MasterBookingRepository stores order-level aggregates
type MasterBookingRepository interface {
	Create(ctx context.Context, m *domain.MasterBooking) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*domain.MasterBooking, error)

	// RemoveBooking drops bookingID from the master, cancelling it when empty,
	// and returns the updated master
	RemoveBooking(ctx context.Context, masterID, bookingID string, at time.Time) (*domain.MasterBooking, error)

	// Restore writes back the booking list and status of a previously read master
	Restore(ctx context.Context, m *domain.MasterBooking) error
}

// OutboxWriter is the part of the outbox used inside a unit of work
type OutboxWriter interface {
	Create(ctx context.Context, msg *domain.OutboxMessage) error
	Delete(ctx context.Context, id string) error
}

// OutboxRepository is the outbox surface used by the publishing worker
type OutboxRepository interface {
	OutboxWriter

	// GetPendingMessages claims up to limit pending messages
	GetPendingMessages(ctx context.Context, limit int) ([]*domain.OutboxMessage, error)

	// GetFailedMessages claims up to limit failed messages with retries left
	GetFailedMessages(ctx context.Context, limit int) ([]*domain.OutboxMessage, error)

	MarkAsPublished(ctx context.Context, id string) error
	MarkAsFailed(ctx context.Context, id string, errMsg string) error

	// DeletePublished removes messages published before now-olderThan
	DeletePublished(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Stores are the durable stores bound to one unit of work
type Stores struct {
	Seats    SeatLedger
	Capacity CapacityCounter
	Bookings BookingRepository
	Masters  MasterBookingRepository
	Outbox   OutboxWriter
}

// UnitOfWork runs a list of steps with all-or-nothing visibility. build is
// called with stores bound to the unit of work and may be called again when
// the caller retries Run.
type UnitOfWork interface {
	Run(ctx context.Context, name string, build func(s *Stores) []*saga.Step) error
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
)

// PostgresSeatLedger implements SeatLedger on the seat_ledger table
type PostgresSeatLedger struct {
	db database.DBTX
}

// NewPostgresSeatLedger creates a new PostgresSeatLedger
func NewPostgresSeatLedger(db database.DBTX) *PostgresSeatLedger {
	return &PostgresSeatLedger{db: db}
}

// GetStatuses returns one state per requested seat
func (r *PostgresSeatLedger) GetStatuses(ctx context.Context, eventID string, seatIDs []string) (map[string]domain.SeatState, error) {
	out := make(map[string]domain.SeatState, len(seatIDs))
	for _, id := range seatIDs {
		out[id] = domain.AvailableSeat(eventID, id)
	}
	if len(seatIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT seat_id, status, booking_id, updated_at
		FROM seat_ledger
		WHERE event_id = $1 AND seat_id = ANY($2)
	`

	rows, err := r.db.Query(ctx, query, eventID, seatIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get seat statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state     = domain.SeatState{EventID: eventID}
			code      int16
			bookingID *string
		)
		if err := rows.Scan(&state.SeatID, &code, &bookingID, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan seat status: %w", err)
		}
		if state.Status, err = domain.SeatStatusFromCode(code); err != nil {
			return nil, err
		}
		if bookingID != nil {
			state.BookingID = *bookingID
		}
		out[state.SeatID] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating seat statuses: %w", err)
	}
	return out, nil
}

// TransitionToBooked books an available seat. The upsert matches no row
// when the seat is booked or disabled, which is not an SQL error, so an
// enclosing transaction stays usable.
func (r *PostgresSeatLedger) TransitionToBooked(ctx context.Context, eventID, seatID, bookingID string) error {
	query := `
		INSERT INTO seat_ledger (event_id, seat_id, status, booking_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (event_id, seat_id) DO UPDATE
			SET status = EXCLUDED.status, booking_id = EXCLUDED.booking_id, updated_at = NOW()
			WHERE seat_ledger.status = $5
		RETURNING seat_id
	`

	var got string
	err := r.db.QueryRow(ctx, query, eventID, seatID, domain.SeatBooked.Code(), bookingID, domain.SeatAvailable.Code()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSeatUnavailable
	}
	if err != nil {
		return fmt.Errorf("failed to book seat %s: %w", seatID, err)
	}
	return nil
}

// Release frees a seat owned by bookingID
func (r *PostgresSeatLedger) Release(ctx context.Context, eventID, seatID, bookingID string) error {
	query := `
		UPDATE seat_ledger
		SET status = $4, booking_id = NULL, updated_at = NOW()
		WHERE event_id = $1 AND seat_id = $2 AND status = $5 AND booking_id = $3
	`

	tag, err := r.db.Exec(ctx, query, eventID, seatID, bookingID, domain.SeatAvailable.Code(), domain.SeatBooked.Code())
	if err != nil {
		return fmt.Errorf("failed to release seat %s: %w", seatID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSeatUnavailable
	}
	return nil
}

// Disable blocks sale of a seat
func (r *PostgresSeatLedger) Disable(ctx context.Context, eventID, seatID string) error {
	return r.setOperatorStatus(ctx, eventID, seatID, domain.SeatDisabled)
}

// Enable reopens a disabled seat
func (r *PostgresSeatLedger) Enable(ctx context.Context, eventID, seatID string) error {
	return r.setOperatorStatus(ctx, eventID, seatID, domain.SeatAvailable)
}

// setOperatorStatus moves a seat between available and disabled. A booked
// seat is left alone and reported.
func (r *PostgresSeatLedger) setOperatorStatus(ctx context.Context, eventID, seatID string, status domain.SeatStatus) error {
	query := `
		INSERT INTO seat_ledger (event_id, seat_id, status, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id, seat_id) DO UPDATE
			SET status = EXCLUDED.status, updated_at = NOW()
			WHERE seat_ledger.status <> $4
		RETURNING seat_id
	`

	var got string
	err := r.db.QueryRow(ctx, query, eventID, seatID, status.Code(), domain.SeatBooked.Code()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSeatBooked
	}
	if err != nil {
		return fmt.Errorf("failed to set seat %s to %s: %w", seatID, status, err)
	}
	return nil
}

// PostgresCapacityCounter implements CapacityCounter on ticket_types
type PostgresCapacityCounter struct {
	db database.DBTX
}

// NewPostgresCapacityCounter creates a new PostgresCapacityCounter
func NewPostgresCapacityCounter(db database.DBTX) *PostgresCapacityCounter {
	return &PostgresCapacityCounter{db: db}
}

// Get reads a ticket type. The result is advisory; only TryReserve decides.
func (r *PostgresCapacityCounter) Get(ctx context.Context, ticketID string) (*domain.TicketType, error) {
	query := `
		SELECT id, event_id, batch_id, name, total_quantity, remaining_quantity,
			sold_out, price_amount, updated_at
		FROM ticket_types
		WHERE id = $1
	`

	t := &domain.TicketType{}
	err := r.db.QueryRow(ctx, query, ticketID).Scan(
		&t.ID,
		&t.EventID,
		&t.BatchID,
		&t.Name,
		&t.TotalQuantity,
		&t.RemainingQuantity,
		&t.SoldOut,
		&t.PriceAmount,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket type: %w", err)
	}
	return t, nil
}

// TryReserve is a single conditional decrement; concurrent callers are
// serialized on the row lock and each sees the updated remainder
func (r *PostgresCapacityCounter) TryReserve(ctx context.Context, ticketID string, qty int) (*domain.ReserveResult, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	query := `
		UPDATE ticket_types
		SET remaining_quantity = remaining_quantity - $2,
			sold_out = (remaining_quantity - $2) <= 0,
			updated_at = NOW()
		WHERE id = $1 AND remaining_quantity >= $2
		RETURNING remaining_quantity, sold_out
	`

	result := &domain.ReserveResult{TicketID: ticketID}
	err := r.db.QueryRow(ctx, query, ticketID, qty).Scan(&result.RemainingAfter, &result.SoldOut)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to reserve capacity: %w", err)
	}

	// No row matched: the ticket is missing or has too little left
	var remaining int
	err = r.db.QueryRow(ctx, "SELECT remaining_quantity FROM ticket_types WHERE id = $1", ticketID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read remaining capacity: %w", err)
	}
	return nil, domain.NewCapacityError(ticketID, qty, remaining)
}

// Release gives qty back, capped at the total
func (r *PostgresCapacityCounter) Release(ctx context.Context, ticketID string, qty int) error {
	query := `
		UPDATE ticket_types
		SET remaining_quantity = LEAST(total_quantity, remaining_quantity + $2),
			sold_out = LEAST(total_quantity, remaining_quantity + $2) <= 0,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, ticketID, qty)
	if err != nil {
		return fmt.Errorf("failed to release capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTicketNotFound
	}
	return nil
}

// Upsert creates or replaces a ticket type. Catalog management owns ticket
// configuration; this exists for seeding and tests.
func (r *PostgresCapacityCounter) Upsert(ctx context.Context, t *domain.TicketType) error {
	query := `
		INSERT INTO ticket_types (id, event_id, batch_id, name, total_quantity,
			remaining_quantity, sold_out, price_amount, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			batch_id = EXCLUDED.batch_id,
			name = EXCLUDED.name,
			total_quantity = EXCLUDED.total_quantity,
			remaining_quantity = EXCLUDED.remaining_quantity,
			sold_out = EXCLUDED.sold_out,
			price_amount = EXCLUDED.price_amount,
			updated_at = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		t.ID,
		t.EventID,
		t.BatchID,
		t.Name,
		t.TotalQuantity,
		t.RemainingQuantity,
		t.IsSoldOut(),
		t.PriceAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ticket type: %w", err)
	}
	return nil
}

var (
	_ SeatLedger      = (*PostgresSeatLedger)(nil)
	_ CapacityCounter = (*PostgresCapacityCounter)(nil)
)

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
)

// PostgresBookingRepository implements BookingRepository using PostgreSQL
type PostgresBookingRepository struct {
	db database.DBTX
}

// NewPostgresBookingRepository creates a new PostgresBookingRepository
func NewPostgresBookingRepository(db database.DBTX) *PostgresBookingRepository {
	return &PostgresBookingRepository{db: db}
}

const bookingColumns = `
	id, event_id, ticket_id, seat_id, quantity, amount, discount, currency,
	status, set_id, session_id, channel, buyer_id, buyer_name,
	master_booking_id, cancel_reason, created_at, cancelled_at
`

// Create inserts booking rows in one round-trip. Run it inside a unit of
// work so a failed row leaves none of its siblings behind.
func (r *PostgresBookingRepository) Create(ctx context.Context, bookings []*domain.Booking) error {
	if len(bookings) == 0 {
		return nil
	}

	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	batch := &pgx.Batch{}
	for _, b := range bookings {
		batch.Queue(query,
			b.ID,
			b.EventID,
			b.TicketID,
			nullable(b.SeatID),
			b.Quantity,
			b.Amount,
			b.Discount,
			b.Currency,
			b.Status.String(),
			b.SetID,
			b.SessionID,
			string(b.Channel),
			nullable(b.BuyerID),
			nullable(b.BuyerName),
			nullable(b.MasterBookingID),
			nullable(b.CancelReason),
			b.CreatedAt,
			b.CancelledAt,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	for _, b := range bookings {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			if database.IsUniqueViolation(err) {
				return domain.ErrBookingAlreadyExists
			}
			return fmt.Errorf("failed to create booking %s: %w", b.ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to create bookings: %w", err)
	}
	return nil
}

// Delete removes bookings by id
func (r *PostgresBookingRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, "DELETE FROM bookings WHERE id = ANY($1)", ids); err != nil {
		return fmt.Errorf("failed to delete bookings: %w", err)
	}
	return nil
}

// GetByID retrieves a booking by ID
func (r *PostgresBookingRepository) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	b, err := scanBooking(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

// MarkCancelled cancels a live booking. The conditional update takes the
// row lock, so two concurrent cancellations cannot both succeed.
func (r *PostgresBookingRepository) MarkCancelled(ctx context.Context, id, reason string, at time.Time) (*domain.Booking, error) {
	query := `
		UPDATE bookings
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1 AND status <> $2
		RETURNING ` + bookingColumns

	b, err := scanBooking(r.db.QueryRow(ctx, query, id, domain.BookingStatusCancelled.String(), nullable(reason), at))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel booking: %w", err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check booking: %w", err)
	}
	if !exists {
		return nil, domain.ErrBookingNotFound
	}
	return nil, domain.ErrBookingAlreadyCancelled
}

// Restore writes back status fields of a previously read booking
func (r *PostgresBookingRepository) Restore(ctx context.Context, prev *domain.Booking) error {
	query := `
		UPDATE bookings
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, prev.ID, prev.Status.String(), nullable(prev.CancelReason), prev.CancelledAt)
	if err != nil {
		return fmt.Errorf("failed to restore booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b                                                  domain.Booking
		seatID, buyerID, buyerName, masterID, cancelReason *string
		status, channel                                    string
	)

	err := row.Scan(
		&b.ID,
		&b.EventID,
		&b.TicketID,
		&seatID,
		&b.Quantity,
		&b.Amount,
		&b.Discount,
		&b.Currency,
		&status,
		&b.SetID,
		&b.SessionID,
		&channel,
		&buyerID,
		&buyerName,
		&masterID,
		&cancelReason,
		&b.CreatedAt,
		&b.CancelledAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = domain.BookingStatus(status)
	b.Channel = domain.Channel(channel)
	b.SeatID = deref(seatID)
	b.BuyerID = deref(buyerID)
	b.BuyerName = deref(buyerName)
	b.MasterBookingID = deref(masterID)
	b.CancelReason = deref(cancelReason)
	return &b, nil
}

// PostgresMasterBookingRepository implements MasterBookingRepository using PostgreSQL
type PostgresMasterBookingRepository struct {
	db database.DBTX
}

// NewPostgresMasterBookingRepository creates a new PostgresMasterBookingRepository
func NewPostgresMasterBookingRepository(db database.DBTX) *PostgresMasterBookingRepository {
	return &PostgresMasterBookingRepository{db: db}
}

const masterColumns = `
	id, event_id, channel, set_id, booking_ids, total_amount,
	total_discount, total_quantity, status, created_at, cancelled_at
`

// Create inserts a master booking
func (r *PostgresMasterBookingRepository) Create(ctx context.Context, m *domain.MasterBooking) error {
	query := `
		INSERT INTO master_bookings (` + masterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		m.ID,
		m.EventID,
		string(m.Channel),
		m.SetID,
		m.BookingIDs,
		m.TotalAmount,
		m.TotalDiscount,
		m.TotalQuantity,
		m.Status.String(),
		m.CreatedAt,
		m.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create master booking: %w", err)
	}
	return nil
}

// Delete removes a master booking
func (r *PostgresMasterBookingRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, "DELETE FROM master_bookings WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete master booking: %w", err)
	}
	return nil
}

// GetByID retrieves a master booking by ID
func (r *PostgresMasterBookingRepository) GetByID(ctx context.Context, id string) (*domain.MasterBooking, error) {
	query := `SELECT ` + masterColumns + ` FROM master_bookings WHERE id = $1`

	m, err := scanMaster(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMasterBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get master booking: %w", err)
	}
	return m, nil
}

// RemoveBooking drops a constituent in one statement, cancelling the
// master when its list becomes empty
func (r *PostgresMasterBookingRepository) RemoveBooking(ctx context.Context, masterID, bookingID string, at time.Time) (*domain.MasterBooking, error) {
	query := `
		UPDATE master_bookings
		SET booking_ids = array_remove(booking_ids, $2),
			status = CASE WHEN cardinality(array_remove(booking_ids, $2)) = 0 THEN $3 ELSE status END,
			cancelled_at = CASE WHEN cardinality(array_remove(booking_ids, $2)) = 0 THEN $4 ELSE cancelled_at END
		WHERE id = $1
		RETURNING ` + masterColumns

	m, err := scanMaster(r.db.QueryRow(ctx, query, masterID, bookingID, domain.BookingStatusCancelled.String(), at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMasterBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to remove booking from master: %w", err)
	}
	return m, nil
}

// Restore writes back the booking list and status of a previously read master
func (r *PostgresMasterBookingRepository) Restore(ctx context.Context, prev *domain.MasterBooking) error {
	query := `
		UPDATE master_bookings
		SET booking_ids = $2, status = $3, cancelled_at = $4
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, prev.ID, prev.BookingIDs, prev.Status.String(), prev.CancelledAt)
	if err != nil {
		return fmt.Errorf("failed to restore master booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMasterBookingNotFound
	}
	return nil
}

func scanMaster(row pgx.Row) (*domain.MasterBooking, error) {
	var (
		m               domain.MasterBooking
		channel, status string
	)

	err := row.Scan(
		&m.ID,
		&m.EventID,
		&channel,
		&m.SetID,
		&m.BookingIDs,
		&m.TotalAmount,
		&m.TotalDiscount,
		&m.TotalQuantity,
		&status,
		&m.CreatedAt,
		&m.CancelledAt,
	)
	if err != nil {
		return nil, err
	}

	m.Channel = domain.Channel(channel)
	m.Status = domain.BookingStatus(status)
	return &m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var (
	_ BookingRepository       = (*PostgresBookingRepository)(nil)
	_ MasterBookingRepository = (*PostgresMasterBookingRepository)(nil)
)

package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
)

type seatKey struct {
	eventID string
	seatID  string
}

// MemorySeatLedger is an in-process SeatLedger
type MemorySeatLedger struct {
	mu    sync.Mutex
	seats map[seatKey]domain.SeatState
}

// NewMemorySeatLedger creates an empty ledger where every seat is available
func NewMemorySeatLedger() *MemorySeatLedger {
	return &MemorySeatLedger{seats: make(map[seatKey]domain.SeatState)}
}

func (l *MemorySeatLedger) get(eventID, seatID string) domain.SeatState {
	if s, ok := l.seats[seatKey{eventID, seatID}]; ok {
		return s
	}
	return domain.AvailableSeat(eventID, seatID)
}

func (l *MemorySeatLedger) put(s domain.SeatState) {
	s.UpdatedAt = time.Now()
	l.seats[seatKey{s.EventID, s.SeatID}] = s
}

// GetStatuses returns one state per requested seat
func (l *MemorySeatLedger) GetStatuses(ctx context.Context, eventID string, seatIDs []string) (map[string]domain.SeatState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]domain.SeatState, len(seatIDs))
	for _, id := range seatIDs {
		out[id] = l.get(eventID, id)
	}
	return out, nil
}

// TransitionToBooked books an available seat
func (l *MemorySeatLedger) TransitionToBooked(ctx context.Context, eventID, seatID, bookingID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.get(eventID, seatID)
	if !s.IsAvailable() {
		return domain.ErrSeatUnavailable
	}
	s.Status = domain.SeatBooked
	s.BookingID = bookingID
	l.put(s)
	return nil
}

// Release frees a seat owned by bookingID
func (l *MemorySeatLedger) Release(ctx context.Context, eventID, seatID, bookingID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.get(eventID, seatID)
	if s.Status != domain.SeatBooked || s.BookingID != bookingID {
		return domain.ErrSeatUnavailable
	}
	s.Status = domain.SeatAvailable
	s.BookingID = ""
	l.put(s)
	return nil
}

// Disable blocks sale of a seat
func (l *MemorySeatLedger) Disable(ctx context.Context, eventID, seatID string) error {
	return l.setOperatorStatus(eventID, seatID, domain.SeatDisabled)
}

// Enable reopens a disabled seat
func (l *MemorySeatLedger) Enable(ctx context.Context, eventID, seatID string) error {
	return l.setOperatorStatus(eventID, seatID, domain.SeatAvailable)
}

func (l *MemorySeatLedger) setOperatorStatus(eventID, seatID string, status domain.SeatStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.get(eventID, seatID)
	if s.Status == domain.SeatBooked {
		return domain.ErrSeatBooked
	}
	if s.Status == status {
		return nil
	}
	s.Status = status
	l.put(s)
	return nil
}

// MemoryCapacityCounter is an in-process CapacityCounter
type MemoryCapacityCounter struct {
	mu      sync.Mutex
	tickets map[string]*domain.TicketType
}

// NewMemoryCapacityCounter creates an empty counter
func NewMemoryCapacityCounter() *MemoryCapacityCounter {
	return &MemoryCapacityCounter{tickets: make(map[string]*domain.TicketType)}
}

// Seed registers or replaces a ticket type
func (c *MemoryCapacityCounter) Seed(t *domain.TicketType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *t
	cp.SoldOut = cp.IsSoldOut()
	c.tickets[t.ID] = &cp
}

// Get returns a copy of the ticket type
func (c *MemoryCapacityCounter) Get(ctx context.Context, ticketID string) (*domain.TicketType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[ticketID]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

// TryReserve decrements by qty only if that much remains
func (c *MemoryCapacityCounter) TryReserve(ctx context.Context, ticketID string, qty int) (*domain.ReserveResult, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[ticketID]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	if t.RemainingQuantity < qty {
		return nil, domain.NewCapacityError(ticketID, qty, t.RemainingQuantity)
	}

	t.RemainingQuantity -= qty
	t.SoldOut = t.IsSoldOut()
	t.UpdatedAt = time.Now()
	return &domain.ReserveResult{TicketID: ticketID, RemainingAfter: t.RemainingQuantity, SoldOut: t.SoldOut}, nil
}

// Release gives qty back, never above the total
func (c *MemoryCapacityCounter) Release(ctx context.Context, ticketID string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[ticketID]
	if !ok {
		return domain.ErrTicketNotFound
	}
	t.RemainingQuantity = min(t.TotalQuantity, t.RemainingQuantity+qty)
	t.SoldOut = t.IsSoldOut()
	t.UpdatedAt = time.Now()
	return nil
}

// MemoryBookingRepository is an in-process BookingRepository
type MemoryBookingRepository struct {
	mu       sync.Mutex
	bookings map[string]*domain.Booking
}

// NewMemoryBookingRepository creates an empty repository
func NewMemoryBookingRepository() *MemoryBookingRepository {
	return &MemoryBookingRepository{bookings: make(map[string]*domain.Booking)}
}

// Create stores new bookings
func (r *MemoryBookingRepository) Create(ctx context.Context, bookings []*domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range bookings {
		if _, exists := r.bookings[b.ID]; exists {
			return domain.ErrBookingAlreadyExists
		}
	}
	for _, b := range bookings {
		cp := *b
		r.bookings[b.ID] = &cp
	}
	return nil
}

// Delete removes bookings by id
func (r *MemoryBookingRepository) Delete(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		delete(r.bookings, id)
	}
	return nil
}

// GetByID returns a copy of the booking
func (r *MemoryBookingRepository) GetByID(ctx context.Context, id string) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

// MarkCancelled cancels a live booking
func (r *MemoryBookingRepository) MarkCancelled(ctx context.Context, id, reason string, at time.Time) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	if err := b.Cancel(reason, at); err != nil {
		return nil, err
	}
	cp := *b
	return &cp, nil
}

// Restore writes back status fields of a previously read booking
func (r *MemoryBookingRepository) Restore(ctx context.Context, prev *domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[prev.ID]
	if !ok {
		return domain.ErrBookingNotFound
	}
	b.Status = prev.Status
	b.CancelReason = prev.CancelReason
	b.CancelledAt = prev.CancelledAt
	return nil
}

// List returns every booking, sorted by id. Used by tests and diagnostics.
func (r *MemoryBookingRepository) List() []*domain.Booking {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Booking, 0, len(r.bookings))
	for _, b := range r.bookings {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MemoryMasterBookingRepository is an in-process MasterBookingRepository
type MemoryMasterBookingRepository struct {
	mu      sync.Mutex
	masters map[string]*domain.MasterBooking
}

// NewMemoryMasterBookingRepository creates an empty repository
func NewMemoryMasterBookingRepository() *MemoryMasterBookingRepository {
	return &MemoryMasterBookingRepository{masters: make(map[string]*domain.MasterBooking)}
}

func copyMaster(m *domain.MasterBooking) *domain.MasterBooking {
	cp := *m
	cp.BookingIDs = append([]string(nil), m.BookingIDs...)
	return &cp
}

// Create stores a new master booking
func (r *MemoryMasterBookingRepository) Create(ctx context.Context, m *domain.MasterBooking) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.masters[m.ID] = copyMaster(m)
	return nil
}

// Delete removes a master booking
func (r *MemoryMasterBookingRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.masters, id)
	return nil
}

// GetByID returns a copy of the master booking
func (r *MemoryMasterBookingRepository) GetByID(ctx context.Context, id string) (*domain.MasterBooking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[id]
	if !ok {
		return nil, domain.ErrMasterBookingNotFound
	}
	return copyMaster(m), nil
}

// RemoveBooking drops a constituent booking
func (r *MemoryMasterBookingRepository) RemoveBooking(ctx context.Context, masterID, bookingID string, at time.Time) (*domain.MasterBooking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[masterID]
	if !ok {
		return nil, domain.ErrMasterBookingNotFound
	}
	m.RemoveBooking(bookingID, at)
	return copyMaster(m), nil
}

// Restore writes back the booking list and status
func (r *MemoryMasterBookingRepository) Restore(ctx context.Context, prev *domain.MasterBooking) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.masters[prev.ID]; !ok {
		return domain.ErrMasterBookingNotFound
	}
	r.masters[prev.ID] = copyMaster(prev)
	return nil
}

// MemoryOutboxRepository is an in-process OutboxRepository
type MemoryOutboxRepository struct {
	mu       sync.Mutex
	messages map[string]*domain.OutboxMessage
	now      func() time.Time
}

// NewMemoryOutboxRepository creates an empty outbox
func NewMemoryOutboxRepository() *MemoryOutboxRepository {
	return &MemoryOutboxRepository{messages: make(map[string]*domain.OutboxMessage), now: time.Now}
}

// Create stores a new message
func (r *MemoryOutboxRepository) Create(ctx context.Context, msg *domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

// Delete removes a message
func (r *MemoryOutboxRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.messages, id)
	return nil
}

func (r *MemoryOutboxRepository) selectMessages(limit int, match func(*domain.OutboxMessage) bool) []*domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.OutboxMessage
	for _, m := range r.messages {
		if match(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetPendingMessages returns pending messages, oldest first
func (r *MemoryOutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*domain.OutboxMessage, error) {
	return r.selectMessages(limit, func(m *domain.OutboxMessage) bool {
		return m.Status == domain.OutboxStatusPending
	}), nil
}

// GetFailedMessages returns failed messages with retries left
func (r *MemoryOutboxRepository) GetFailedMessages(ctx context.Context, limit int) ([]*domain.OutboxMessage, error) {
	return r.selectMessages(limit, func(m *domain.OutboxMessage) bool {
		return m.CanRetry()
	}), nil
}

// MarkAsPublished marks a message as published
func (r *MemoryOutboxRepository) MarkAsPublished(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	m.MarkAsPublished(r.now())
	return nil
}

// MarkAsFailed records a failed publish
func (r *MemoryOutboxRepository) MarkAsFailed(ctx context.Context, id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	m.MarkAsFailed(errMsg, r.now())
	return nil
}

// DeletePublished removes messages published before now-olderThan
func (r *MemoryOutboxRepository) DeletePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	var deleted int64
	for id, m := range r.messages {
		if m.Status == domain.OutboxStatusPublished && m.PublishedAt != nil && m.PublishedAt.Before(cutoff) {
			delete(r.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// List returns every message, oldest first
func (r *MemoryOutboxRepository) List() []*domain.OutboxMessage {
	return r.selectMessages(0, func(*domain.OutboxMessage) bool { return true })
}

// MemoryStores bundles the in-process durable stores
type MemoryStores struct {
	Seats    *MemorySeatLedger
	Capacity *MemoryCapacityCounter
	Bookings *MemoryBookingRepository
	Masters  *MemoryMasterBookingRepository
	Outbox   *MemoryOutboxRepository
}

// NewMemoryStores creates empty in-process stores
func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		Seats:    NewMemorySeatLedger(),
		Capacity: NewMemoryCapacityCounter(),
		Bookings: NewMemoryBookingRepository(),
		Masters:  NewMemoryMasterBookingRepository(),
		Outbox:   NewMemoryOutboxRepository(),
	}
}

// Stores exposes the bundle through the store interfaces
func (m *MemoryStores) Stores() *Stores {
	return &Stores{
		Seats:    m.Seats,
		Capacity: m.Capacity,
		Bookings: m.Bookings,
		Masters:  m.Masters,
		Outbox:   m.Outbox,
	}
}

var (
	_ SeatLedger              = (*MemorySeatLedger)(nil)
	_ CapacityCounter         = (*MemoryCapacityCounter)(nil)
	_ BookingRepository       = (*MemoryBookingRepository)(nil)
	_ MasterBookingRepository = (*MemoryMasterBookingRepository)(nil)
	_ OutboxRepository        = (*MemoryOutboxRepository)(nil)
)

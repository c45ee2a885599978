package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/metrics"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
	"github.com/prohmpiriya/seat-reservation/pkg/saga"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// ReservationCommitter turns a validated checkout into bookings
type ReservationCommitter interface {
	// Commit books every line or nothing. Fails with
	// *domain.ReservationConflictError, *domain.CapacityError, a request
	// error or *domain.InternalError.
	Commit(ctx context.Context, req *domain.CommitRequest) (*domain.CommitResult, error)
}

// CommitterConfig contains configuration for the committer
type CommitterConfig struct {
	// HoldTTL is the hold length used when re-checking holds, 0 uses the store default
	HoldTTL time.Duration
	// EventsTopic receives the committed event (default reservation-events)
	EventsTopic string
	UnitOfWork  UnitOfWorkConfig
	// Now overrides the clock for booking timestamps
	Now func() time.Time
}

type reservationCommitter struct {
	stores  *repository.Stores
	holds   repository.HoldStore
	runner  *unitOfWorkRunner
	holdTTL time.Duration
	topic   string
	now     func() time.Time
}

// NewReservationCommitter creates a new reservation committer. stores are
// used for reads outside the unit of work.
func NewReservationCommitter(stores *repository.Stores, holds repository.HoldStore, uow repository.UnitOfWork, cfg *CommitterConfig) ReservationCommitter {
	c := &reservationCommitter{
		stores: stores,
		holds:  holds,
		topic:  domain.DefaultReservationEventsTopic,
		now:    time.Now,
	}
	var uowCfg *UnitOfWorkConfig
	if cfg != nil {
		c.holdTTL = cfg.HoldTTL
		if cfg.EventsTopic != "" {
			c.topic = cfg.EventsTopic
		}
		if cfg.Now != nil {
			c.now = cfg.Now
		}
		uowCfg = &cfg.UnitOfWork
	}
	c.runner = newUnitOfWorkRunner(uow, uowCfg)
	return c
}

// Commit re-checks holds, then books seats, decrements pools and writes
// bookings with their outbox event in one unit of work
func (c *reservationCommitter) Commit(ctx context.Context, req *domain.CommitRequest) (*domain.CommitResult, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.commit")
	defer span.End()

	if req == nil {
		span.SetStatus(codes.Error, "nil request")
		return nil, domain.ErrInvalidRequest
	}
	if err := req.Normalize(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordCommit(ctx, req.EventID, metrics.ResultInvalid, start)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("session_id", req.SessionID),
		attribute.String("channel", string(req.Metadata.Channel)),
		attribute.Int("lines", len(req.Lines)),
	)

	tickets, err := loadTickets(ctx, c.stores.Capacity, req.EventID, req.TicketIDs())
	if err != nil {
		return nil, c.fail(ctx, span, req, start, err)
	}

	// Advisory: a pool that cannot cover the request fails before any booking
	// is planned. TryReserve stays authoritative.
	pools := req.PoolQuantities()
	for _, ticketID := range sortedKeys(pools) {
		t := tickets[ticketID]
		if qty := pools[ticketID]; !t.CanCover(qty) {
			return nil, c.fail(ctx, span, req, start, domain.NewCapacityError(ticketID, qty, max(t.RemainingQuantity, 0)))
		}
	}

	// Holds may have expired or moved since validation.
	seatIDs := req.SeatIDs()
	var granted []string
	if len(seatIDs) > 0 {
		acquired, err := c.holds.Acquire(ctx, req.EventID, seatIDs, req.SessionID, c.holdTTL)
		if err != nil {
			return nil, c.fail(ctx, span, req, start, &domain.InternalError{Op: "acquire_holds", Err: err, Retryable: true})
		}
		granted = acquired.Granted
		if acquired.HasConflicts() {
			releaseHolds(ctx, c.holds, req.EventID, req.SessionID, granted)
			return nil, c.fail(ctx, span, req, start, &domain.ReservationConflictError{SeatIDs: acquired.Conflicts})
		}
	}

	plan, err := c.plan(req, tickets)
	if err != nil {
		releaseHolds(ctx, c.holds, req.EventID, req.SessionID, granted)
		return nil, c.fail(ctx, span, req, start, &domain.InternalError{Op: "plan_commit", Err: err})
	}

	err = c.runner.run(ctx, "reservation_commit", plan.steps, func(attempt int) {
		metrics.RecordCommitRetry(ctx, attempt)
	})
	if err != nil {
		releaseHolds(ctx, c.holds, req.EventID, req.SessionID, granted)
		return nil, c.fail(ctx, span, req, start, err)
	}

	// The ledger is authoritative now; the holds only block the seat map.
	if len(seatIDs) > 0 {
		released := releaseHolds(ctx, c.holds, req.EventID, req.SessionID, seatIDs)
		telemetry.AddSpanEvent(ctx, "holds_released", attribute.Int("seats", released))
	}

	span.SetAttributes(
		attribute.String("set_id", plan.result.SetID),
		attribute.Int("bookings", len(plan.result.BookingIDs)),
	)
	metrics.RecordCommit(ctx, req.EventID, metrics.ResultSuccess, start)
	logger.Get().InfoContext(ctx, "Reservation committed",
		zap.String("event_id", req.EventID),
		zap.String("session_id", req.SessionID),
		zap.String("set_id", plan.result.SetID),
		zap.Int("bookings", len(plan.result.BookingIDs)),
	)
	return plan.result, nil
}

func (c *reservationCommitter) fail(ctx context.Context, span trace.Span, req *domain.CommitRequest, start time.Time, err error) error {
	result := metrics.ResultError
	var conflict *domain.ReservationConflictError
	switch {
	case errors.As(err, &conflict):
		result = metrics.ResultConflict
		metrics.RecordCommitConflict(ctx, req.EventID, len(conflict.SeatIDs))
	case errors.Is(err, domain.ErrCapacityExceeded):
		result = metrics.ResultCapacity
	case domain.IsValidationError(err):
		result = metrics.ResultInvalid
	default:
		span.RecordError(err)
		logger.Get().ErrorContext(ctx, "Reservation commit failed",
			zap.String("event_id", req.EventID),
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
	}
	span.SetStatus(codes.Error, result)
	metrics.RecordCommit(ctx, req.EventID, result, start)
	return err
}

// commitPlan is everything a commit writes, built once so a retried unit
// of work writes the same ids
type commitPlan struct {
	eventID  string
	pools    map[string]int
	bookings []*domain.Booking
	master   *domain.MasterBooking
	outbox   *domain.OutboxMessage
	result   *domain.CommitResult
}

func (c *reservationCommitter) plan(req *domain.CommitRequest, tickets map[string]*domain.TicketType) (*commitPlan, error) {
	now := c.now()
	setID := uuid.New().String()
	meta := req.Metadata
	status := meta.Channel.InitialStatus()

	newBooking := func(line domain.Line, seatID string, qty int) *domain.Booking {
		price := unitPricing(tickets[line.TicketID], meta.Pricing)
		return &domain.Booking{
			ID:        uuid.New().String(),
			EventID:   req.EventID,
			TicketID:  line.TicketID,
			SeatID:    seatID,
			Quantity:  qty,
			Amount:    price.UnitAmount * int64(qty),
			Discount:  price.DiscountAmount * int64(qty),
			Currency:  meta.Currency,
			Status:    status,
			SetID:     setID,
			SessionID: req.SessionID,
			Channel:   meta.Channel,
			BuyerID:   meta.BuyerID,
			BuyerName: meta.BuyerName,
			CreatedAt: now,
		}
	}

	var bookings []*domain.Booking
	for _, line := range req.Lines {
		switch {
		case line.IsSeated():
			for _, seatID := range line.SeatIDs {
				bookings = append(bookings, newBooking(line, seatID, 1))
			}
		case meta.Channel.RowPerUnit():
			for i := 0; i < line.Quantity; i++ {
				bookings = append(bookings, newBooking(line, "", 1))
			}
		default:
			bookings = append(bookings, newBooking(line, "", line.Quantity))
		}
	}

	result := &domain.CommitResult{SetID: setID, BookingIDs: make([]string, 0, len(bookings))}
	for _, b := range bookings {
		result.BookingIDs = append(result.BookingIDs, b.ID)
	}

	p := &commitPlan{
		eventID:  req.EventID,
		pools:    req.PoolQuantities(),
		bookings: bookings,
		result:   result,
	}
	if len(bookings) > 1 {
		p.master = domain.NewMasterBooking(uuid.New().String(), bookings, now)
		result.MasterBookingID = p.master.ID
		for _, b := range bookings {
			b.MasterBookingID = p.master.ID
		}
	}

	event := domain.NewReservationCommittedEvent(req, result, bookings, now)
	msg, err := domain.NewOutboxMessage(domain.AggregateReservation, setID,
		string(domain.EventReservationCommitted), c.topic, req.EventID, event)
	if err != nil {
		return nil, err
	}
	msg.ID = uuid.New().String()
	msg.CreatedAt = now
	p.outbox = msg
	return p, nil
}

// unitPricing prefers the commit's pricing over the ticket list price
func unitPricing(t *domain.TicketType, overrides map[string]domain.Pricing) domain.Pricing {
	if p, ok := overrides[t.ID]; ok {
		return p
	}
	return domain.Pricing{UnitAmount: t.PriceAmount}
}

// steps orders the writes so the master row exists before its bookings.
// Tickets and seats are taken in sorted order to avoid lock cycles.
func (p *commitPlan) steps(s *repository.Stores) []*saga.Step {
	steps := []*saga.Step{
		p.reserveCapacityStep(s),
		p.bookSeatsStep(s),
	}
	if p.master != nil {
		master := p.master
		steps = append(steps, &saga.Step{
			Name: "create_master_booking",
			Execute: func(ctx context.Context) error {
				return s.Masters.Create(ctx, master)
			},
			Compensate: func(ctx context.Context) error {
				return s.Masters.Delete(ctx, master.ID)
			},
		})
	}
	return append(steps,
		&saga.Step{
			Name: "create_bookings",
			Execute: func(ctx context.Context) error {
				return s.Bookings.Create(ctx, p.bookings)
			},
			Compensate: func(ctx context.Context) error {
				return s.Bookings.Delete(ctx, p.result.BookingIDs)
			},
		},
		&saga.Step{
			Name: "write_outbox",
			Execute: func(ctx context.Context) error {
				return s.Outbox.Create(ctx, p.outbox)
			},
			Compensate: func(ctx context.Context) error {
				return s.Outbox.Delete(ctx, p.outbox.ID)
			},
		},
	)
}

func (p *commitPlan) reserveCapacityStep(s *repository.Stores) *saga.Step {
	ticketIDs := sortedKeys(p.pools)
	if len(ticketIDs) == 0 {
		return nil
	}

	release := func(ctx context.Context, ids []string) error {
		var errs []error
		for _, id := range ids {
			if err := s.Capacity.Release(ctx, id, p.pools[id]); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	return &saga.Step{
		Name: "reserve_capacity",
		Execute: func(ctx context.Context) error {
			reserved := make([]string, 0, len(ticketIDs))
			for _, id := range ticketIDs {
				res, err := s.Capacity.TryReserve(ctx, id, p.pools[id])
				if err != nil {
					_ = release(ctx, reserved)
					if errors.Is(err, domain.ErrInvalidQuantity) {
						return fmt.Errorf("%w: ticket %s: %w", domain.ErrInvalidRequest, id, err)
					}
					return err
				}
				reserved = append(reserved, id)
				if res.SoldOut {
					metrics.RecordSoldOut(ctx, id)
				}
			}
			return nil
		},
		Compensate: func(ctx context.Context) error {
			return release(ctx, ticketIDs)
		},
	}
}

func (p *commitPlan) bookSeatsStep(s *repository.Stores) *saga.Step {
	var seated []*domain.Booking
	for _, b := range p.bookings {
		if b.IsSeated() {
			seated = append(seated, b)
		}
	}
	if len(seated) == 0 {
		return nil
	}
	sort.Slice(seated, func(i, j int) bool { return seated[i].SeatID < seated[j].SeatID })

	release := func(ctx context.Context, bookings []*domain.Booking) error {
		var errs []error
		for _, b := range bookings {
			if err := s.Seats.Release(ctx, p.eventID, b.SeatID, b.ID); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	return &saga.Step{
		Name: "book_seats",
		Execute: func(ctx context.Context) error {
			booked := make([]*domain.Booking, 0, len(seated))
			var lost []string
			// Keep going after a lost seat so the caller learns all of them.
			for _, b := range seated {
				err := s.Seats.TransitionToBooked(ctx, p.eventID, b.SeatID, b.ID)
				if errors.Is(err, domain.ErrSeatUnavailable) {
					lost = append(lost, b.SeatID)
					continue
				}
				if err != nil {
					_ = release(ctx, booked)
					return err
				}
				booked = append(booked, b)
			}
			if len(lost) > 0 {
				_ = release(ctx, booked)
				return &domain.ReservationConflictError{SeatIDs: lost}
			}
			return nil
		},
		Compensate: func(ctx context.Context) error {
			return release(ctx, seated)
		},
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/dto"
	"github.com/prohmpiriya/seat-reservation/internal/metrics"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
	"github.com/prohmpiriya/seat-reservation/pkg/saga"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

// CancellationService returns cancelled bookings to inventory
type CancellationService interface {
	// CancelBooking cancels one booking and frees its seat or pool units
	CancelBooking(ctx context.Context, bookingID, reason string) (*dto.CancelResponse, error)

	// CancelMasterBooking cancels every live booking of a master booking
	CancelMasterBooking(ctx context.Context, masterID, reason string) (*dto.CancelResponse, error)
}

// CancellationConfig contains configuration for the cancellation service
type CancellationConfig struct {
	// EventsTopic receives the cancelled events (default reservation-events)
	EventsTopic string
	UnitOfWork  UnitOfWorkConfig
	Now         func() time.Time
}

type cancellationService struct {
	stores *repository.Stores
	runner *unitOfWorkRunner
	topic  string
	now    func() time.Time
}

// NewCancellationService creates a new cancellation service. stores are
// used for reads outside the unit of work.
func NewCancellationService(stores *repository.Stores, uow repository.UnitOfWork, cfg *CancellationConfig) CancellationService {
	s := &cancellationService{
		stores: stores,
		topic:  domain.DefaultReservationEventsTopic,
		now:    time.Now,
	}
	var uowCfg *UnitOfWorkConfig
	if cfg != nil {
		if cfg.EventsTopic != "" {
			s.topic = cfg.EventsTopic
		}
		if cfg.Now != nil {
			s.now = cfg.Now
		}
		uowCfg = &cfg.UnitOfWork
	}
	s.runner = newUnitOfWorkRunner(uow, uowCfg)
	return s
}

// CancelBooking cancels the booking, releases its inventory, detaches it
// from its master and writes a booking.cancelled event in one unit of work
func (s *cancellationService) CancelBooking(ctx context.Context, bookingID, reason string) (*dto.CancelResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.cancellation.cancel_booking")
	defer span.End()

	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return nil, fmt.Errorf("%w: booking id is required", domain.ErrInvalidRequest)
	}
	span.SetAttributes(attribute.String("booking_id", bookingID))

	now := s.now()
	c := &bookingCancellation{bookingID: bookingID, reason: reason, at: now, topic: s.topic}
	err := s.runner.run(ctx, "cancel_booking", c.steps, nil)
	if err != nil {
		return nil, s.fail(ctx, span, bookingID, err)
	}

	resp := &dto.CancelResponse{
		BookingIDs:      []string{bookingID},
		MasterBookingID: c.booking.MasterBookingID,
		MasterCancelled: c.masterCancelled,
	}
	metrics.RecordCancellation(ctx, c.booking.EventID, 1)
	logger.Get().InfoContext(ctx, "Booking cancelled",
		zap.String("booking_id", bookingID),
		zap.String("event_id", c.booking.EventID),
		zap.String("reason", reason),
		zap.Bool("master_cancelled", c.masterCancelled),
	)
	return resp, nil
}

// CancelMasterBooking cancels the live constituents of a master. The master
// is cancelled once its last booking is removed.
func (s *cancellationService) CancelMasterBooking(ctx context.Context, masterID, reason string) (*dto.CancelResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.cancellation.cancel_master_booking")
	defer span.End()

	masterID = strings.TrimSpace(masterID)
	if masterID == "" {
		return nil, fmt.Errorf("%w: master booking id is required", domain.ErrInvalidRequest)
	}
	span.SetAttributes(attribute.String("master_booking_id", masterID))

	master, err := s.stores.Masters.GetByID(ctx, masterID)
	if err != nil {
		if !errors.Is(err, domain.ErrMasterBookingNotFound) {
			err = &domain.InternalError{Op: "read_master_booking", Err: err, Retryable: database.IsTransient(err)}
		}
		return nil, s.fail(ctx, span, masterID, err)
	}
	if master.IsCancelled() {
		return nil, s.fail(ctx, span, masterID, domain.ErrBookingAlreadyCancelled)
	}

	now := s.now()
	cancellations := make([]*bookingCancellation, 0, len(master.BookingIDs))
	for _, id := range master.BookingIDs {
		cancellations = append(cancellations, &bookingCancellation{
			bookingID:   id,
			reason:      reason,
			at:          now,
			topic:       s.topic,
			skipIfFinal: true,
		})
	}

	err = s.runner.run(ctx, "cancel_master_booking", func(st *repository.Stores) []*saga.Step {
		var steps []*saga.Step
		for _, c := range cancellations {
			steps = append(steps, c.steps(st)...)
		}
		return steps
	}, nil)
	if err != nil {
		return nil, s.fail(ctx, span, masterID, err)
	}

	resp := &dto.CancelResponse{BookingIDs: []string{}, MasterBookingID: masterID}
	for _, c := range cancellations {
		if c.skipped {
			continue
		}
		resp.BookingIDs = append(resp.BookingIDs, c.bookingID)
		resp.MasterCancelled = resp.MasterCancelled || c.masterCancelled
	}

	metrics.RecordCancellation(ctx, master.EventID, len(resp.BookingIDs))
	logger.Get().InfoContext(ctx, "Master booking cancelled",
		zap.String("master_booking_id", masterID),
		zap.String("event_id", master.EventID),
		zap.Int("bookings", len(resp.BookingIDs)),
		zap.String("reason", reason),
	)
	return resp, nil
}

func (s *cancellationService) fail(ctx context.Context, span trace.Span, id string, err error) error {
	span.SetStatus(codes.Error, err.Error())
	if !domain.IsBusinessError(err) {
		span.RecordError(err)
		logger.Get().ErrorContext(ctx, "Cancellation failed", zap.String("id", id), zap.Error(err))
	}
	return err
}

// bookingCancellation carries one booking through the cancellation steps.
// Later steps read what the first step found.
type bookingCancellation struct {
	bookingID string
	reason    string
	at        time.Time
	topic     string
	// skipIfFinal turns an already cancelled booking into a no-op
	skipIfFinal bool

	prev            *domain.Booking
	booking         *domain.Booking
	skipped         bool
	seatReleased    bool
	prevMaster      *domain.MasterBooking
	masterCancelled bool
	outboxID        string
}

// steps is called again for a retried unit of work, so it starts from a
// clean state
func (c *bookingCancellation) steps(s *repository.Stores) []*saga.Step {
	c.prev, c.booking, c.prevMaster = nil, nil, nil
	c.skipped, c.seatReleased, c.masterCancelled = false, false, false
	c.outboxID = ""

	name := func(step string) string { return step + ":" + c.bookingID }

	return []*saga.Step{
		{
			Name: name("cancel_booking"),
			Execute: func(ctx context.Context) error {
				prev, err := s.Bookings.GetByID(ctx, c.bookingID)
				if err != nil {
					return err
				}
				b, err := s.Bookings.MarkCancelled(ctx, c.bookingID, c.reason, c.at)
				if errors.Is(err, domain.ErrBookingAlreadyCancelled) && c.skipIfFinal {
					c.skipped = true
					return nil
				}
				if err != nil {
					return err
				}
				c.prev, c.booking = prev, b
				return nil
			},
			Compensate: func(ctx context.Context) error {
				if c.prev == nil {
					return nil
				}
				return s.Bookings.Restore(ctx, c.prev)
			},
		},
		{
			Name: name("release_inventory"),
			Execute: func(ctx context.Context) error {
				if c.skipped {
					return nil
				}
				b := c.booking
				if !b.IsSeated() {
					return s.Capacity.Release(ctx, b.TicketID, b.Quantity)
				}
				err := s.Seats.Release(ctx, b.EventID, b.SeatID, b.ID)
				if errors.Is(err, domain.ErrSeatUnavailable) {
					// Already freed elsewhere; the booking still gets cancelled.
					logger.Get().WarnContext(ctx, "Seat not owned by cancelled booking",
						zap.String("booking_id", b.ID),
						zap.String("event_id", b.EventID),
						zap.String("seat_id", b.SeatID),
					)
					return nil
				}
				if err != nil {
					return err
				}
				c.seatReleased = true
				return nil
			},
			Compensate: func(ctx context.Context) error {
				if c.skipped {
					return nil
				}
				b := c.booking
				if !b.IsSeated() {
					_, err := s.Capacity.TryReserve(ctx, b.TicketID, b.Quantity)
					return err
				}
				if !c.seatReleased {
					return nil
				}
				return s.Seats.TransitionToBooked(ctx, b.EventID, b.SeatID, b.ID)
			},
		},
		{
			Name: name("detach_master"),
			Execute: func(ctx context.Context) error {
				if c.skipped || c.booking.MasterBookingID == "" {
					return nil
				}
				prev, err := s.Masters.GetByID(ctx, c.booking.MasterBookingID)
				if err != nil {
					return err
				}
				m, err := s.Masters.RemoveBooking(ctx, prev.ID, c.bookingID, c.at)
				if err != nil {
					return err
				}
				c.prevMaster = prev
				c.masterCancelled = m.IsCancelled()
				return nil
			},
			Compensate: func(ctx context.Context) error {
				if c.prevMaster == nil {
					return nil
				}
				return s.Masters.Restore(ctx, c.prevMaster)
			},
		},
		{
			Name: name("write_outbox"),
			Execute: func(ctx context.Context) error {
				if c.skipped {
					return nil
				}
				event := domain.NewBookingCancelledEvent(c.booking, c.at)
				msg, err := domain.NewOutboxMessage(domain.AggregateBooking, c.bookingID,
					string(domain.EventBookingCancelled), c.topic, c.booking.EventID, event)
				if err != nil {
					return err
				}
				msg.CreatedAt = c.at
				if err := s.Outbox.Create(ctx, msg); err != nil {
					return err
				}
				c.outboxID = msg.ID
				return nil
			},
			Compensate: func(ctx context.Context) error {
				if c.outboxID == "" {
					return nil
				}
				return s.Outbox.Delete(ctx, c.outboxID)
			},
		},
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/saga"
)

func TestCommit_SeatedBookings(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	valid, err := f.validator.Validate(ctx, seatedRequest("s1", "A1", "A2"))
	require.NoError(t, err)
	require.True(t, valid.Valid)

	result, err := f.committer.Commit(ctx, commitRequest("s1", domain.ChannelOnline, seatLine("A1", "A2")))
	require.NoError(t, err)

	require.Len(t, result.BookingIDs, 2)
	assert.NotEmpty(t, result.SetID)
	assert.NotEmpty(t, result.MasterBookingID)

	bookings := f.stores.Bookings.List()
	require.Len(t, bookings, 2)
	for _, b := range bookings {
		assert.Equal(t, result.SetID, b.SetID)
		assert.Equal(t, result.MasterBookingID, b.MasterBookingID)
		assert.Equal(t, domain.BookingStatusUnconfirmed, b.Status)
		assert.Equal(t, int64(1500), b.Amount)
		assert.Equal(t, 1, b.Quantity)
		assert.Equal(t, domain.DefaultCurrency, b.Currency)

		state := f.seatStatus(b.SeatID)
		assert.Equal(t, domain.SeatBooked, state.Status)
		assert.Equal(t, b.ID, state.BookingID)
	}

	master, err := f.stores.Masters.GetByID(ctx, result.MasterBookingID)
	require.NoError(t, err)
	assert.ElementsMatch(t, result.BookingIDs, master.BookingIDs)
	assert.Equal(t, int64(3000), master.TotalAmount)
	assert.Equal(t, 2, master.TotalQuantity)

	// holds are no longer needed once the ledger says booked
	assert.Empty(t, f.holder("A1"))
	assert.Empty(t, f.holder("A2"))

	messages := f.stores.Outbox.List()
	require.Len(t, messages, 1)
	assert.Equal(t, string(domain.EventReservationCommitted), messages[0].EventType)
	assert.Equal(t, domain.DefaultReservationEventsTopic, messages[0].Topic)
	assert.Equal(t, testEventID, messages[0].PartitionKey)

	var event domain.ReservationCommittedEvent
	require.NoError(t, messages[0].GetPayload(&event))
	assert.Equal(t, result.BookingIDs, event.BookingIDs)
	assert.Len(t, event.Seats, 2)
	assert.Equal(t, int64(3000), event.TotalAmount)
}

func TestCommit_SingleBookingHasNoMaster(t *testing.T) {
	f := newFixture()

	result, err := f.committer.Commit(context.Background(), commitRequest("s1", domain.ChannelAgent, seatLine("A1")))
	require.NoError(t, err)

	require.Len(t, result.BookingIDs, 1)
	assert.Empty(t, result.MasterBookingID)

	b, err := f.stores.Bookings.GetByID(context.Background(), result.BookingIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, b.Status)
	assert.Empty(t, b.MasterBookingID)
}

func TestCommit_PoolRowsPerChannel(t *testing.T) {
	tests := []struct {
		name         string
		channel      domain.Channel
		wantRows     int
		wantQuantity int
	}{
		{name: "online splits per unit", channel: domain.ChannelOnline, wantRows: 3, wantQuantity: 1},
		{name: "agent splits per unit", channel: domain.ChannelAgent, wantRows: 3, wantQuantity: 1},
		{name: "pos keeps one row", channel: domain.ChannelPOS, wantRows: 1, wantQuantity: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()

			result, err := f.committer.Commit(context.Background(), commitRequest("s1", tt.channel, poolLine(testPoolTicket, 3)))
			require.NoError(t, err)

			assert.Len(t, result.BookingIDs, tt.wantRows)
			assert.Equal(t, 7, f.remaining(testPoolTicket))
			for _, b := range f.stores.Bookings.List() {
				assert.Equal(t, tt.wantQuantity, b.Quantity)
				assert.Equal(t, int64(800)*int64(tt.wantQuantity), b.Amount)
				assert.Empty(t, b.SeatID)
			}
		})
	}
}

func TestCommit_PricingOverride(t *testing.T) {
	f := newFixture()

	req := commitRequest("s1", domain.ChannelPOS, poolLine(testPoolTicket, 2))
	req.Metadata.Currency = "USD"
	req.Metadata.Pricing = map[string]domain.Pricing{
		testPoolTicket: {UnitAmount: 1000, DiscountAmount: 100},
	}

	_, err := f.committer.Commit(context.Background(), req)
	require.NoError(t, err)

	bookings := f.stores.Bookings.List()
	require.Len(t, bookings, 1)
	assert.Equal(t, int64(2000), bookings[0].Amount)
	assert.Equal(t, int64(200), bookings[0].Discount)
	assert.Equal(t, "USD", bookings[0].Currency)
}

func TestCommit_SeatHeldByOtherSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.validator.Validate(ctx, seatedRequest("s1", "A1"))
	require.NoError(t, err)

	result, err := f.committer.Commit(ctx, commitRequest("s2", domain.ChannelOnline, seatLine("A1", "A2"), poolLine(testPoolTicket, 1)))
	assert.Nil(t, result)

	var conflict *domain.ReservationConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"A1"}, conflict.SeatIDs)
	assert.ErrorIs(t, err, domain.ErrReservationConflict)

	assert.Equal(t, "s1", f.holder("A1"))
	assert.Empty(t, f.holder("A2"))
	assert.Equal(t, 10, f.remaining(testPoolTicket))
	assert.Empty(t, f.stores.Bookings.List())
}

func TestCommit_AtomicRollback(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// A1 and A3 were sold without a hold being visible to s1
	require.NoError(t, f.stores.Seats.TransitionToBooked(ctx, testEventID, "A1", "booking-x"))
	require.NoError(t, f.stores.Seats.TransitionToBooked(ctx, testEventID, "A3", "booking-y"))

	req := commitRequest("s1", domain.ChannelOnline,
		poolLine(testPoolTicket, 2),
		poolLine(testPoolTicket2, 1),
		seatLine("A3", "A2", "A1"),
	)
	result, err := f.committer.Commit(ctx, req)
	assert.Nil(t, result)

	var conflict *domain.ReservationConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"A1", "A3"}, conflict.SeatIDs)

	assert.Equal(t, 10, f.remaining(testPoolTicket))
	assert.Equal(t, 5, f.remaining(testPoolTicket2))
	assert.Equal(t, domain.SeatAvailable, f.seatStatus("A2").Status)
	assert.Equal(t, "booking-x", f.seatStatus("A1").BookingID)
	assert.Empty(t, f.stores.Bookings.List())
	assert.Empty(t, f.stores.Outbox.List())
	assert.Empty(t, f.holder("A2"))
}

func TestCommit_CapacityRollsBackEarlierTickets(t *testing.T) {
	f := newFixture().withStaleCapacityReads()
	f.seed(&domain.TicketType{ID: testPoolTicket2, EventID: testEventID, TotalQuantity: 5, RemainingQuantity: 1})

	req := commitRequest("s1", domain.ChannelOnline,
		poolLine(testPoolTicket, 4),
		poolLine(testPoolTicket2, 2),
		seatLine("A1"),
	)
	_, err := f.committer.Commit(context.Background(), req)

	var capacity *domain.CapacityError
	require.ErrorAs(t, err, &capacity)
	assert.Equal(t, testPoolTicket2, capacity.TicketID)
	assert.Equal(t, 1, capacity.Remaining)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.NotErrorIs(t, err, domain.ErrSoldOut)

	assert.Equal(t, 10, f.remaining(testPoolTicket))
	assert.Equal(t, 1, f.remaining(testPoolTicket2))
	assert.Equal(t, domain.SeatAvailable, f.seatStatus("A1").Status)
	assert.Empty(t, f.holder("A1"))
}

// Two buyers pass validation for the last unit; only the first commit wins.
func TestCommit_LastUnitAfterBothValidated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seed(&domain.TicketType{ID: testPoolTicket, EventID: testEventID, TotalQuantity: 100, RemainingQuantity: 1})

	for _, session := range []string{"s1", "s2"} {
		result, err := f.validator.Validate(ctx, &domain.ValidateRequest{
			EventID:   testEventID,
			SessionID: session,
			Lines:     []domain.Line{poolLine(testPoolTicket, 1)},
		})
		require.NoError(t, err)
		require.True(t, result.Valid, session)
	}

	_, err := f.committer.Commit(ctx, commitRequest("s1", domain.ChannelOnline, poolLine(testPoolTicket, 1)))
	require.NoError(t, err)

	_, err = f.committer.Commit(ctx, commitRequest("s2", domain.ChannelOnline, poolLine(testPoolTicket, 1)))
	assert.ErrorIs(t, err, domain.ErrSoldOut)
	assert.Equal(t, 0, f.remaining(testPoolTicket))
	assert.Len(t, f.stores.Bookings.List(), 1)

	t1, err := f.stores.Capacity.Get(ctx, testPoolTicket)
	require.NoError(t, err)
	assert.True(t, t1.SoldOut)
}

func TestCommit_NoDoubleBooking(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	const buyers = 50
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.committer.Commit(ctx, commitRequest(fmt.Sprintf("s%d", i), domain.ChannelOnline, seatLine("A1")))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrReservationConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(buyers-1), conflicts.Load())
	require.Len(t, f.stores.Bookings.List(), 1)
	assert.Equal(t, f.stores.Bookings.List()[0].ID, f.seatStatus("A1").BookingID)
}

func TestCommit_NoOversell(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	const buyers = 30
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		qty := i%3 + 1
		go func(i, qty int) {
			defer wg.Done()
			_, err := f.committer.Commit(ctx, commitRequest(fmt.Sprintf("s%d", i), domain.ChannelPOS, poolLine(testPoolTicket, qty)))
			switch {
			case err == nil:
				accepted.Add(int32(qty))
			case errors.Is(err, domain.ErrCapacityExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i, qty)
	}
	wg.Wait()

	assert.LessOrEqual(t, accepted.Load(), int32(10))
	assert.Positive(t, rejected.Load())
	assert.Equal(t, 10-int(accepted.Load()), f.remaining(testPoolTicket))

	sold := 0
	for _, b := range f.stores.Bookings.List() {
		sold += b.Quantity
	}
	assert.Equal(t, int(accepted.Load()), sold)
}

func TestCommit_AbandonedCheckoutFreesSeatForNextBuyer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	result, err := f.validator.Validate(ctx, seatedRequest("s1", "A1"))
	require.NoError(t, err)
	require.True(t, result.Valid)

	released, err := f.inventory.ReleaseHolds(ctx, &domain.ReleaseRequest{EventID: testEventID, SessionID: "s1", SeatIDs: []string{"A1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	result, err = f.validator.Validate(ctx, seatedRequest("s2", "A1"))
	require.NoError(t, err)
	require.True(t, result.Valid)

	_, err = f.committer.Commit(ctx, commitRequest("s2", domain.ChannelOnline, seatLine("A1")))
	require.NoError(t, err)

	_, err = f.committer.Commit(ctx, commitRequest("s1", domain.ChannelOnline, seatLine("A1")))
	assert.ErrorIs(t, err, domain.ErrReservationConflict)
}

func TestCommit_RetriesTransientFailures(t *testing.T) {
	clock := newFakeClock()
	stores := repository.NewMemoryStores()
	holds := repository.NewMemoryHoldStore(nil, clock.Now)
	stores.Capacity.Seed(&domain.TicketType{ID: testSeatTicket, EventID: testEventID, TotalQuantity: 10, RemainingQuantity: 10})

	uow := &flakyUnitOfWork{inner: repository.NewMemoryUnitOfWork(stores, nil), failures: 1}
	f := newFixtureWith(clock, stores, holds, uow)

	result, err := f.committer.Commit(context.Background(), commitRequest("s1", domain.ChannelOnline, seatLine("A1")))
	require.NoError(t, err)
	assert.Len(t, result.BookingIDs, 1)
	assert.Equal(t, 2, uow.Calls())
}

func TestCommit_PersistentTransientFailureIsRetryable(t *testing.T) {
	clock := newFakeClock()
	stores := repository.NewMemoryStores()
	holds := repository.NewMemoryHoldStore(nil, clock.Now)
	stores.Capacity.Seed(&domain.TicketType{ID: testSeatTicket, EventID: testEventID, TotalQuantity: 10, RemainingQuantity: 10})

	uow := &flakyUnitOfWork{inner: repository.NewMemoryUnitOfWork(stores, nil), failures: 100}
	f := newFixtureWith(clock, stores, holds, uow)

	_, err := f.committer.Commit(context.Background(), commitRequest("s1", domain.ChannelOnline, seatLine("A1")))

	var internal *domain.InternalError
	require.ErrorAs(t, err, &internal)
	assert.True(t, internal.Retryable)
	assert.Equal(t, 3, uow.Calls())
	assert.Empty(t, f.holder("A1"))
}

func TestCommit_BusinessFailureIsNotRetried(t *testing.T) {
	clock := newFakeClock()
	stores := repository.NewMemoryStores()
	holds := repository.NewMemoryHoldStore(nil, clock.Now)
	stores.Capacity.Seed(&domain.TicketType{ID: testPoolTicket, EventID: testEventID, TotalQuantity: 1, RemainingQuantity: 0})

	uow := &flakyUnitOfWork{inner: repository.NewMemoryUnitOfWork(stores, nil)}
	f := newFixtureWith(clock, stores, holds, uow).withStaleCapacityReads()

	_, err := f.committer.Commit(context.Background(), commitRequest("s1", domain.ChannelOnline, poolLine(testPoolTicket, 1)))
	assert.ErrorIs(t, err, domain.ErrSoldOut)
	assert.Equal(t, 1, uow.Calls())
}

func TestCommit_RunsToCompletionAfterCallerCancels(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	uow := &cancellingUnitOfWork{inner: f.uow, cancel: cancel}
	committer := NewReservationCommitter(f.stores.Stores(), f.holds, uow, nil)

	result, err := committer.Commit(ctx, commitRequest("s1", domain.ChannelOnline, seatLine("A1"), poolLine(testPoolTicket, 1)))
	require.NoError(t, err)
	assert.Len(t, result.BookingIDs, 2)
	assert.Equal(t, domain.SeatBooked, f.seatStatus("A1").Status)
	assert.Equal(t, 9, f.remaining(testPoolTicket))
}

// cancellingUnitOfWork cancels the caller's context as soon as the unit of
// work starts
type cancellingUnitOfWork struct {
	inner  repository.UnitOfWork
	cancel context.CancelFunc
}

func (u *cancellingUnitOfWork) Run(ctx context.Context, name string, build func(s *repository.Stores) []*saga.Step) error {
	u.cancel()
	return u.inner.Run(ctx, name, build)
}

func TestCommit_RequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *domain.CommitRequest)
		wantErr error
	}{
		{name: "unknown channel", mutate: func(r *domain.CommitRequest) { r.Metadata.Channel = "fax" }, wantErr: domain.ErrInvalidChannel},
		{name: "negative price", mutate: func(r *domain.CommitRequest) {
			r.Metadata.Pricing = map[string]domain.Pricing{testSeatTicket: {UnitAmount: -1}}
		}, wantErr: domain.ErrInvalidAmount},
		{name: "missing session", mutate: func(r *domain.CommitRequest) { r.SessionID = " " }, wantErr: domain.ErrInvalidSession},
		{name: "ticket of other event", mutate: func(r *domain.CommitRequest) {
			r.Lines = []domain.Line{poolLine(testForeignPool, 1)}
		}, wantErr: domain.ErrTicketEventMismatch},
		{name: "quantity above cap", mutate: func(r *domain.CommitRequest) {
			r.Lines = []domain.Line{poolLine(testPoolTicket, 2_000_000)}
		}, wantErr: domain.ErrQuantityTooLarge},
		{name: "split lines would overflow", mutate: func(r *domain.CommitRequest) {
			r.Lines = []domain.Line{poolLine(testPoolTicket, math.MaxInt), poolLine(testPoolTicket, 2)}
		}, wantErr: domain.ErrQuantityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := commitRequest("s1", domain.ChannelOnline, seatLine("A1"))
			tt.mutate(req)

			_, err := f.committer.Commit(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			assert.Empty(t, f.holder("A1"))
		})
	}
}

func TestCommit_PoolAboveRemainingFailsBeforeWriting(t *testing.T) {
	tests := []struct {
		name  string
		lines []domain.Line
	}{
		{name: "single line", lines: []domain.Line{poolLine(testPoolTicket, domain.MaxTicketQuantity)}},
		{name: "split lines", lines: []domain.Line{poolLine(testPoolTicket, 6), poolLine(testPoolTicket, 6)}},
		{name: "with seats", lines: []domain.Line{seatLine("A1"), poolLine(testPoolTicket, 11)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := newFixture()
			uow := &flakyUnitOfWork{inner: base.uow}
			f := newFixtureWith(base.clock, base.stores, base.holds, uow)

			_, err := f.committer.Commit(context.Background(), commitRequest("s1", domain.ChannelOnline, tt.lines...))

			var capErr *domain.CapacityError
			require.ErrorAs(t, err, &capErr)
			assert.Equal(t, testPoolTicket, capErr.TicketID)
			assert.Equal(t, domain.CapacityReasonInsufficient, capErr.Reason)
			assert.Equal(t, 10, capErr.Remaining)
			assert.Zero(t, uow.Calls())
			assert.Empty(t, f.stores.Bookings.List())
			assert.Equal(t, 10, f.remaining(testPoolTicket))
			assert.Empty(t, f.holder("A1"))
		})
	}
}

func TestReserveCapacityStep_InvalidQuantityIsRequestError(t *testing.T) {
	f := newFixture()
	p := &commitPlan{eventID: testEventID, pools: map[string]int{testPoolTicket: 0}}

	step := p.reserveCapacityStep(f.stores.Stores())
	require.NotNil(t, step)

	err := step.Execute(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	assert.False(t, errors.As(err, new(*domain.InternalError)))
	assert.Equal(t, 10, f.remaining(testPoolTicket))
}

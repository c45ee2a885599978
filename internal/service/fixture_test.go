package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/saga"
)

const (
	testEventID     = "event-1"
	testOtherEvent  = "event-2"
	testSeatTicket  = "ticket-seated"
	testPoolTicket  = "ticket-pool"
	testPoolTicket2 = "ticket-pool-2"
	testForeignPool = "ticket-foreign"
)

// fakeClock is a settable clock shared by the hold store and services
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture wires every service over the memory backend
type fixture struct {
	clock        *fakeClock
	stores       *repository.MemoryStores
	holds        *repository.MemoryHoldStore
	uow          repository.UnitOfWork
	validator    ReservationValidator
	committer    ReservationCommitter
	inventory    InventoryService
	cancellation CancellationService
}

func newFixture() *fixture {
	clock := newFakeClock()
	stores := repository.NewMemoryStores()
	holds := repository.NewMemoryHoldStore(&repository.HoldStoreConfig{
		TTL:         domain.DefaultHoldTTL,
		MaxLifetime: domain.DefaultHoldMaxLifetime,
	}, clock.Now)

	stores.Capacity.Seed(&domain.TicketType{ID: testSeatTicket, EventID: testEventID, Name: "Zone A", TotalQuantity: 100, RemainingQuantity: 100, PriceAmount: 1500})
	stores.Capacity.Seed(&domain.TicketType{ID: testPoolTicket, EventID: testEventID, Name: "Standing", TotalQuantity: 10, RemainingQuantity: 10, PriceAmount: 800})
	stores.Capacity.Seed(&domain.TicketType{ID: testPoolTicket2, EventID: testEventID, Name: "Standing B", TotalQuantity: 5, RemainingQuantity: 5, PriceAmount: 500})
	stores.Capacity.Seed(&domain.TicketType{ID: testForeignPool, EventID: testOtherEvent, Name: "Other", TotalQuantity: 5, RemainingQuantity: 5, PriceAmount: 500})

	return newFixtureWith(clock, stores, holds, repository.NewMemoryUnitOfWork(stores, nil))
}

func newFixtureWith(clock *fakeClock, stores *repository.MemoryStores, holds *repository.MemoryHoldStore, uow repository.UnitOfWork) *fixture {
	reads := stores.Stores()
	fastRetry := UnitOfWorkConfig{Timeout: 5 * time.Second, MaxRetries: 2}
	return &fixture{
		clock:     clock,
		stores:    stores,
		holds:     holds,
		uow:       uow,
		validator: NewReservationValidator(reads, holds, nil),
		committer: NewReservationCommitter(reads, holds, uow, &CommitterConfig{
			UnitOfWork: fastRetry,
			Now:        clock.Now,
		}),
		inventory: NewInventoryService(reads, holds),
		cancellation: NewCancellationService(reads, uow, &CancellationConfig{
			UnitOfWork: fastRetry,
			Now:        clock.Now,
		}),
	}
}

// withStaleCapacityReads rebuilds the committer over an advisory read taken
// before the pools shrank, so commits reach the atomic reserve
func (f *fixture) withStaleCapacityReads() *fixture {
	reads := f.stores.Stores()
	reads.Capacity = staleCounter{CapacityCounter: reads.Capacity}
	f.committer = NewReservationCommitter(reads, f.holds, f.uow, &CommitterConfig{
		UnitOfWork: UnitOfWorkConfig{Timeout: 5 * time.Second, MaxRetries: 2},
		Now:        f.clock.Now,
	})
	return f
}

// staleCounter reports every pool as full
type staleCounter struct {
	repository.CapacityCounter
}

func (c staleCounter) Get(ctx context.Context, ticketID string) (*domain.TicketType, error) {
	t, err := c.CapacityCounter.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	stale := *t
	stale.RemainingQuantity = stale.TotalQuantity
	stale.SoldOut = false
	return &stale, nil
}

func (f *fixture) seed(t *domain.TicketType) {
	f.stores.Capacity.Seed(t)
}

func (f *fixture) remaining(ticketID string) int {
	t, err := f.stores.Capacity.Get(context.Background(), ticketID)
	if err != nil {
		panic(err)
	}
	return t.RemainingQuantity
}

func (f *fixture) seatStatus(seatID string) domain.SeatState {
	states, _ := f.stores.Seats.GetStatuses(context.Background(), testEventID, []string{seatID})
	return states[seatID]
}

func (f *fixture) holder(seatID string) string {
	holders, _ := f.holds.Holders(context.Background(), testEventID, []string{seatID})
	return holders[seatID]
}

func seatedRequest(session string, seats ...string) *domain.ValidateRequest {
	return &domain.ValidateRequest{
		EventID:   testEventID,
		SessionID: session,
		Lines:     []domain.Line{{TicketID: testSeatTicket, SeatIDs: seats}},
	}
}

func poolLine(ticketID string, qty int) domain.Line {
	return domain.Line{TicketID: ticketID, Quantity: qty}
}

func commitRequest(session string, channel domain.Channel, lines ...domain.Line) *domain.CommitRequest {
	return &domain.CommitRequest{
		ValidateRequest: domain.ValidateRequest{
			EventID:   testEventID,
			SessionID: session,
			Lines:     lines,
		},
		Metadata: domain.BookingMetadata{
			BuyerID:   "buyer-" + session,
			BuyerName: "Buyer " + session,
			Channel:   channel,
		},
	}
}

func seatLine(seats ...string) domain.Line {
	return domain.Line{TicketID: testSeatTicket, SeatIDs: seats}
}

// flakyUnitOfWork fails the first failures runs with a serialization error
type flakyUnitOfWork struct {
	inner    repository.UnitOfWork
	mu       sync.Mutex
	failures int
	calls    int
}

func (u *flakyUnitOfWork) Run(ctx context.Context, name string, build func(s *repository.Stores) []*saga.Step) error {
	u.mu.Lock()
	u.calls++
	fail := u.calls <= u.failures
	u.mu.Unlock()

	if fail {
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	return u.inner.Run(ctx, name, build)
}

func (u *flakyUnitOfWork) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// MockHoldStore is a HoldStore with overridable behaviour
type MockHoldStore struct {
	AcquireFunc       func(ctx context.Context, eventID string, seatIDs []string, sessionID string, ttl time.Duration) (*domain.AcquireResult, error)
	ReleaseFunc       func(ctx context.Context, eventID string, seatIDs []string, sessionID string) (int, error)
	IsHeldByOtherFunc func(ctx context.Context, eventID, seatID, sessionID string) (bool, error)
	HoldersFunc       func(ctx context.Context, eventID string, seatIDs []string) (map[string]string, error)
}

func (m *MockHoldStore) Acquire(ctx context.Context, eventID string, seatIDs []string, sessionID string, ttl time.Duration) (*domain.AcquireResult, error) {
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx, eventID, seatIDs, sessionID, ttl)
	}
	return &domain.AcquireResult{Granted: seatIDs}, nil
}

func (m *MockHoldStore) Release(ctx context.Context, eventID string, seatIDs []string, sessionID string) (int, error) {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, eventID, seatIDs, sessionID)
	}
	return len(seatIDs), nil
}

func (m *MockHoldStore) IsHeldByOther(ctx context.Context, eventID, seatID, sessionID string) (bool, error) {
	if m.IsHeldByOtherFunc != nil {
		return m.IsHeldByOtherFunc(ctx, eventID, seatID, sessionID)
	}
	return false, nil
}

func (m *MockHoldStore) Holders(ctx context.Context, eventID string, seatIDs []string) (map[string]string, error) {
	if m.HoldersFunc != nil {
		return m.HoldersFunc(ctx, eventID, seatIDs)
	}
	return map[string]string{}, nil
}

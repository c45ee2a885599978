package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
	pkgredis "github.com/prohmpiriya/seat-reservation/pkg/redis"
	"github.com/prohmpiriya/seat-reservation/pkg/saga"
)

// skipIfNoIntegration skips the test if INTEGRATION_TEST env var is not set
func skipIfNoIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}
}

// getRedisClient creates a Redis client on DB 15 and flushes it
func getRedisClient(t *testing.T) *pkgredis.Client {
	t.Helper()
	skipIfNoIntegration(t)

	cfg := pkgredis.DefaultConfig()
	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	cfg.Password = os.Getenv("TEST_REDIS_PASSWORD")
	cfg.DB = 15
	cfg.PoolSize = 20

	ctx := context.Background()
	client, err := pkgredis.NewClient(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, client.Client().FlushDB(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// getPostgres connects to the test database and applies the migrations
func getPostgres(t *testing.T) *database.PostgresDB {
	t.Helper()
	skipIfNoIntegration(t)

	cfg := database.DefaultPostgresConfig()
	if host := os.Getenv("TEST_DATABASE_HOST"); host != "" {
		cfg.Host = host
	}
	if name := os.Getenv("TEST_DATABASE_NAME"); name != "" {
		cfg.Database = name
	}
	cfg.Password = os.Getenv("TEST_DATABASE_PASSWORD")
	cfg.MaxRetries = 1
	cfg.RetryInterval = 100 * time.Millisecond

	ctx := context.Background()
	db, err := database.NewPostgres(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Migrate(ctx, Migrations())
	require.NoError(t, err)
	return db
}

func TestRedisHoldStore_AcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	store := NewRedisHoldStore(getRedisClient(t), &HoldStoreConfig{TTL: time.Minute, MaxLifetime: 5 * time.Minute})
	require.NoError(t, store.LoadScripts(ctx))

	res, err := store.Acquire(ctx, "E1", []string{"A1", "A2"}, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2"}, res.Granted)

	res, err = store.Acquire(ctx, "E1", []string{"A2", "A3"}, "s2", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, res.Conflicts)
	assert.Equal(t, []string{"A3"}, res.Granted)

	res, err = store.Acquire(ctx, "E1", []string{"A1"}, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, res.Renewed)

	other, err := store.IsHeldByOther(ctx, "E1", "A1", "s2")
	require.NoError(t, err)
	assert.True(t, other)

	holders, err := store.Holders(ctx, "E1", []string{"A1", "A2", "A3", "A4"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A1": "s1", "A2": "s1", "A3": "s2"}, holders)

	released, err := store.Release(ctx, "E1", []string{"A1", "A3"}, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, released)
}

func TestRedisHoldStore_HoldExpires(t *testing.T) {
	ctx := context.Background()
	store := NewRedisHoldStore(getRedisClient(t), nil)
	require.NoError(t, store.LoadScripts(ctx))

	_, err := store.Acquire(ctx, "E1", []string{"A1"}, "s1", 100*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		held, err := store.IsHeldByOther(ctx, "E1", "A1", "s2")
		return err == nil && !held
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRedisHoldStore_ConcurrentAcquireOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewRedisHoldStore(getRedisClient(t), nil)
	require.NoError(t, store.LoadScripts(ctx))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			res, err := store.Acquire(ctx, "E1", []string{"A1"}, session, 0)
			if err == nil && len(res.Granted) == 1 {
				wins.Add(1)
			}
		}(uuid.NewString())
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgresSeatLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewPostgresSeatLedger(getPostgres(t).Pool())
	eventID := "E-" + uuid.NewString()

	statuses, err := ledger.GetStatuses(ctx, eventID, []string{"A1", "A2"})
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, statuses["A1"].Status)

	require.NoError(t, ledger.TransitionToBooked(ctx, eventID, "A1", "b1"))
	assert.ErrorIs(t, ledger.TransitionToBooked(ctx, eventID, "A1", "b2"), domain.ErrSeatUnavailable)

	require.NoError(t, ledger.Disable(ctx, eventID, "A2"))
	require.NoError(t, ledger.Disable(ctx, eventID, "A2"))
	assert.ErrorIs(t, ledger.TransitionToBooked(ctx, eventID, "A2", "b3"), domain.ErrSeatUnavailable)
	assert.ErrorIs(t, ledger.Disable(ctx, eventID, "A1"), domain.ErrSeatBooked)

	statuses, err = ledger.GetStatuses(ctx, eventID, []string{"A1", "A2"})
	require.NoError(t, err)
	assert.Equal(t, domain.SeatBooked, statuses["A1"].Status)
	assert.Equal(t, "b1", statuses["A1"].BookingID)
	assert.Equal(t, domain.SeatDisabled, statuses["A2"].Status)

	require.NoError(t, ledger.Release(ctx, eventID, "A1", "b1"))
	require.NoError(t, ledger.TransitionToBooked(ctx, eventID, "A1", "b4"))
}

func TestPostgresCapacityCounter_NoOversell(t *testing.T) {
	ctx := context.Background()
	counter := NewPostgresCapacityCounter(getPostgres(t).Pool())
	ticketID := "T-" + uuid.NewString()

	require.NoError(t, counter.Upsert(ctx, &domain.TicketType{
		ID: ticketID, EventID: "E1", TotalQuantity: 10, RemainingQuantity: 10,
	}))

	var sold atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(qty int) {
			defer wg.Done()
			if _, err := counter.TryReserve(ctx, ticketID, qty); err == nil {
				sold.Add(int32(qty))
			} else {
				assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
			}
		}(i%2 + 1)
	}
	wg.Wait()

	ticket, err := counter.Get(ctx, ticketID)
	require.NoError(t, err)
	assert.LessOrEqual(t, sold.Load(), int32(10))
	assert.Equal(t, 10-int(sold.Load()), ticket.RemainingQuantity)
	assert.Equal(t, ticket.RemainingQuantity == 0, ticket.SoldOut)

	require.NoError(t, counter.Release(ctx, ticketID, 100))
	ticket, err = counter.Get(ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, 10, ticket.RemainingQuantity)
}

func TestPostgresUnitOfWork_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	db := getPostgres(t)
	stores := NewPostgresStores(db.Pool())
	counter := NewPostgresCapacityCounter(db.Pool())
	uow := NewPostgresUnitOfWork(db, 3)

	eventID := "E-" + uuid.NewString()
	ticketID := "T-" + uuid.NewString()
	require.NoError(t, counter.Upsert(ctx, &domain.TicketType{
		ID: ticketID, EventID: eventID, TotalQuantity: 5, RemainingQuantity: 5,
	}))

	stepErr := errors.New("forced failure")
	err := uow.Run(ctx, "commit", func(s *Stores) []*saga.Step {
		return []*saga.Step{
			{Name: "book_seat", Execute: func(ctx context.Context) error {
				return s.Seats.TransitionToBooked(ctx, eventID, "A1", "b1")
			}},
			{Name: "reserve", Execute: func(ctx context.Context) error {
				_, err := s.Capacity.TryReserve(ctx, ticketID, 2)
				return err
			}},
			{Name: "fail", Execute: func(ctx context.Context) error { return stepErr }},
		}
	})
	assert.ErrorIs(t, err, stepErr)

	statuses, err := stores.Seats.GetStatuses(ctx, eventID, []string{"A1"})
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, statuses["A1"].Status)

	ticket, err := stores.Capacity.Get(ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, 5, ticket.RemainingQuantity)
}

func TestPostgresUnitOfWork_CommitsBookingsAndOutbox(t *testing.T) {
	ctx := context.Background()
	db := getPostgres(t)
	stores := NewPostgresStores(db.Pool())
	uow := NewPostgresUnitOfWork(db, 3)

	eventID := "E-" + uuid.NewString()
	ticketID := "T-" + uuid.NewString()
	require.NoError(t, NewPostgresCapacityCounter(db.Pool()).Upsert(ctx, &domain.TicketType{
		ID: ticketID, EventID: eventID, TotalQuantity: 5, RemainingQuantity: 5,
	}))

	booking := &domain.Booking{
		ID: uuid.NewString(), EventID: eventID, TicketID: ticketID, SeatID: "A1", Quantity: 1,
		Currency: domain.DefaultCurrency, Status: domain.BookingStatusConfirmed,
		SetID: uuid.NewString(), SessionID: "s1", Channel: domain.ChannelAgent, CreatedAt: time.Now(),
	}
	msg, err := domain.NewOutboxMessage(domain.AggregateReservation, booking.SetID,
		string(domain.EventReservationCommitted), "reservation-events", uuid.NewString(), booking)
	require.NoError(t, err)
	msg.ID = uuid.NewString()

	err = uow.Run(ctx, "commit", func(s *Stores) []*saga.Step {
		return []*saga.Step{
			{Name: "book_seat", Execute: func(ctx context.Context) error {
				return s.Seats.TransitionToBooked(ctx, eventID, "A1", booking.ID)
			}},
			{Name: "create_bookings", Execute: func(ctx context.Context) error {
				return s.Bookings.Create(ctx, []*domain.Booking{booking})
			}},
			{Name: "outbox", Execute: func(ctx context.Context) error {
				return s.Outbox.Create(ctx, msg)
			}},
		}
	})
	require.NoError(t, err)

	got, err := stores.Bookings.GetByID(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "A1", got.SeatID)

	outbox := NewPostgresOutboxRepository(db.Pool(), 0)
	pending, err := outbox.GetPendingMessages(ctx, 1000)
	require.NoError(t, err)

	var found *domain.OutboxMessage
	for _, m := range pending {
		if m.ID == msg.ID {
			found = m
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 3, found.MaxRetries)

	require.NoError(t, outbox.MarkAsPublished(ctx, msg.ID))
	require.NoError(t, outbox.Delete(ctx, msg.ID))
}

func TestPostgresBookingRepository_CreateBatch(t *testing.T) {
	ctx := context.Background()
	db := getPostgres(t)
	repo := NewPostgresBookingRepository(db.Pool())

	eventID := "E-" + uuid.NewString()
	setID := uuid.NewString()
	newBooking := func() *domain.Booking {
		return &domain.Booking{
			ID: uuid.NewString(), EventID: eventID, TicketID: "T-pool", Quantity: 1,
			Currency: domain.DefaultCurrency, Status: domain.BookingStatusUnconfirmed,
			SetID: setID, SessionID: "s1", Channel: domain.ChannelOnline, CreatedAt: time.Now(),
		}
	}

	t.Run("writes every row", func(t *testing.T) {
		bookings := make([]*domain.Booking, 50)
		ids := make([]string, len(bookings))
		for i := range bookings {
			bookings[i] = newBooking()
			ids[i] = bookings[i].ID
		}
		require.NoError(t, repo.Create(ctx, bookings))

		for _, id := range []string{ids[0], ids[len(ids)-1]} {
			_, err := repo.GetByID(ctx, id)
			assert.NoError(t, err)
		}
		require.NoError(t, repo.Delete(ctx, ids))
	})

	t.Run("duplicate id fails the batch inside a transaction", func(t *testing.T) {
		dup := newBooking()
		first := newBooking()

		err := NewPostgresUnitOfWork(db, 3).Run(ctx, "create", func(s *Stores) []*saga.Step {
			return []*saga.Step{{Name: "create_bookings", Execute: func(ctx context.Context) error {
				return s.Bookings.Create(ctx, []*domain.Booking{first, dup, dup})
			}}}
		})
		assert.ErrorIs(t, err, domain.ErrBookingAlreadyExists)

		_, err = repo.GetByID(ctx, first.ID)
		assert.ErrorIs(t, err, domain.ErrBookingNotFound)
	})
}

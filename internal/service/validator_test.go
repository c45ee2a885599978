package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
)

func TestValidate_HoldsFreeSeats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	result, err := f.validator.Validate(ctx, seatedRequest("s1", "A1", "A2"))
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Empty(t, result.UnavailableSeatIDs)
	assert.Equal(t, "s1", f.holder("A1"))
	assert.Equal(t, "s1", f.holder("A2"))
}

func TestValidate_IsIdempotentForSameSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := f.validator.Validate(ctx, seatedRequest("s1", "A1"))
		require.NoError(t, err)
		assert.True(t, result.Valid, "attempt %d", i+1)
	}
	assert.Equal(t, "s1", f.holder("A1"))
}

func TestValidate_SeatHeldByOtherSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.validator.Validate(ctx, seatedRequest("s1", "A1"))
	require.NoError(t, err)

	result, err := f.validator.Validate(ctx, seatedRequest("s2", "A1", "A2"))
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, []string{"A1"}, result.UnavailableSeatIDs)
	assert.NotEmpty(t, result.Message)
	assert.Equal(t, "s1", f.holder("A1"))
	// A2 was granted in the failed call and must not block anyone
	assert.Empty(t, f.holder("A2"))
}

func TestValidate_KeepsRenewedHoldsWhenInvalid(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.validator.Validate(ctx, seatedRequest("s1", "A1"))
	require.NoError(t, err)
	require.NoError(t, f.stores.Seats.TransitionToBooked(ctx, testEventID, "A2", "booking-x"))

	result, err := f.validator.Validate(ctx, seatedRequest("s1", "A1", "A2"))
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, []string{"A2"}, result.UnavailableSeatIDs)
	assert.Equal(t, "s1", f.holder("A1"))
}

func TestValidate_BookedAndDisabledSeatsAreUnavailable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.stores.Seats.TransitionToBooked(ctx, testEventID, "B2", "booking-x"))
	require.NoError(t, f.stores.Seats.Disable(ctx, testEventID, "B3"))

	result, err := f.validator.Validate(ctx, seatedRequest("s1", "B3", "B1", "B2"))
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, []string{"B2", "B3"}, result.UnavailableSeatIDs)
	assert.Empty(t, f.holder("B1"))
}

func TestValidate_DuplicateSeatsAreRequestedOnce(t *testing.T) {
	f := newFixture()

	req := &domain.ValidateRequest{
		EventID:   testEventID,
		SessionID: "s1",
		Lines: []domain.Line{
			seatLine("A1", "A1"),
			seatLine("A1", "A2"),
		},
	}
	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestValidate_PoolLines(t *testing.T) {
	tests := []struct {
		name       string
		remaining  int
		quantities []int
		wantValid  bool
		wantReason domain.LineFailureReason
	}{
		{name: "enough remaining", remaining: 10, quantities: []int{3}, wantValid: true},
		{name: "exactly remaining", remaining: 3, quantities: []int{3}, wantValid: true},
		{name: "limit reached", remaining: 2, quantities: []int{3}, wantReason: domain.LineFailureLimitReached},
		{name: "lines summed per ticket", remaining: 4, quantities: []int{2, 3}, wantReason: domain.LineFailureLimitReached},
		{name: "sold out", remaining: 0, quantities: []int{1}, wantReason: domain.LineFailureSoldOut},
		{name: "above total within cap", remaining: 10, quantities: []int{domain.MaxTicketQuantity}, wantReason: domain.LineFailureLimitReached},
		{name: "split lines above remaining", remaining: 10, quantities: []int{6, 6}, wantReason: domain.LineFailureLimitReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.seed(&domain.TicketType{ID: testPoolTicket, EventID: testEventID, TotalQuantity: 10, RemainingQuantity: tt.remaining})

			req := &domain.ValidateRequest{EventID: testEventID, SessionID: "s1"}
			for _, q := range tt.quantities {
				req.Lines = append(req.Lines, poolLine(testPoolTicket, q))
			}

			result, err := f.validator.Validate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, result.Valid)
			if tt.wantValid {
				assert.Empty(t, result.LineFailures)
				return
			}
			require.Len(t, result.LineFailures, 1)
			assert.Equal(t, tt.wantReason, result.LineFailures[0].Reason)
			assert.Equal(t, tt.remaining, result.LineFailures[0].Remaining)
		})
	}
}

func TestValidate_PoolFailureReleasesNewSeatHolds(t *testing.T) {
	f := newFixture()
	f.seed(&domain.TicketType{ID: testPoolTicket, EventID: testEventID, TotalQuantity: 10, RemainingQuantity: 0})

	req := &domain.ValidateRequest{
		EventID:   testEventID,
		SessionID: "s1",
		Lines:     []domain.Line{seatLine("A1"), poolLine(testPoolTicket, 1)},
	}
	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Empty(t, result.UnavailableSeatIDs)
	assert.Empty(t, f.holder("A1"))
}

func TestValidate_RequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     *domain.ValidateRequest
		wantErr error
	}{
		{name: "nil request", req: nil, wantErr: domain.ErrInvalidRequest},
		{name: "missing session", req: &domain.ValidateRequest{EventID: testEventID, Lines: []domain.Line{seatLine("A1")}}, wantErr: domain.ErrInvalidSession},
		{name: "missing event", req: &domain.ValidateRequest{SessionID: "s1", Lines: []domain.Line{seatLine("A1")}}, wantErr: domain.ErrInvalidEventID},
		{name: "no lines", req: &domain.ValidateRequest{EventID: testEventID, SessionID: "s1"}, wantErr: domain.ErrEmptyLines},
		{name: "seats and quantity", req: &domain.ValidateRequest{EventID: testEventID, SessionID: "s1", Lines: []domain.Line{{TicketID: testSeatTicket, SeatIDs: []string{"A1"}, Quantity: 1}}}, wantErr: domain.ErrAmbiguousLine},
		{name: "unknown ticket", req: &domain.ValidateRequest{EventID: testEventID, SessionID: "s1", Lines: []domain.Line{poolLine("nope", 1)}}, wantErr: domain.ErrTicketNotFound},
		{name: "ticket of other event", req: &domain.ValidateRequest{EventID: testEventID, SessionID: "s1", Lines: []domain.Line{poolLine(testForeignPool, 1)}}, wantErr: domain.ErrTicketEventMismatch},
		{name: "quantity above cap", req: &domain.ValidateRequest{EventID: testEventID, SessionID: "s1", Lines: []domain.Line{poolLine(testPoolTicket, domain.MaxTicketQuantity+1)}}, wantErr: domain.ErrQuantityTooLarge},
		{name: "split lines above cap", req: &domain.ValidateRequest{EventID: testEventID, SessionID: "s1", Lines: []domain.Line{poolLine(testPoolTicket, domain.MaxTicketQuantity), poolLine(testPoolTicket, 1)}}, wantErr: domain.ErrQuantityTooLarge},
		{name: "split lines would overflow", req: &domain.ValidateRequest{EventID: testEventID, SessionID: "s1", Lines: []domain.Line{poolLine(testPoolTicket, math.MaxInt), poolLine(testPoolTicket, 2)}}, wantErr: domain.ErrQuantityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			result, err := f.validator.Validate(context.Background(), tt.req)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
}

func TestValidate_HoldExpirySelfHeals(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.validator.Validate(ctx, seatedRequest("s1", "A1"))
	require.NoError(t, err)

	result, err := f.validator.Validate(ctx, seatedRequest("s2", "A1"))
	require.NoError(t, err)
	assert.False(t, result.Valid)

	// s1 abandons the checkout without releasing
	f.clock.Advance(domain.DefaultHoldTTL + time.Second)

	result, err = f.validator.Validate(ctx, seatedRequest("s2", "A1"))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "s2", f.holder("A1"))
}

func TestValidate_RenewalStopsAtMaxLifetime(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// refresh every 4 minutes; the hold still dies 15 minutes after it began
	for elapsed := time.Duration(0); elapsed < domain.DefaultHoldMaxLifetime; elapsed += 4 * time.Minute {
		result, err := f.validator.Validate(ctx, seatedRequest("s1", "A1"))
		require.NoError(t, err)
		require.True(t, result.Valid)
		f.clock.Advance(4 * time.Minute)
	}

	assert.Empty(t, f.holder("A1"))
}

func TestValidate_HoldStoreFailure(t *testing.T) {
	f := newFixture()
	holds := &MockHoldStore{
		AcquireFunc: func(ctx context.Context, eventID string, seatIDs []string, sessionID string, ttl time.Duration) (*domain.AcquireResult, error) {
			return nil, errors.New("connection refused")
		},
	}
	validator := NewReservationValidator(f.stores.Stores(), holds, nil)

	result, err := validator.Validate(context.Background(), seatedRequest("s1", "A1"))
	assert.Nil(t, result)

	var internal *domain.InternalError
	require.ErrorAs(t, err, &internal)
	assert.True(t, internal.Retryable)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
	"github.com/prohmpiriya/seat-reservation/pkg/retry"
	"github.com/prohmpiriya/seat-reservation/pkg/saga"
)

const (
	defaultCommitTimeout = 10 * time.Second
	// holdReleaseTimeout bounds best-effort hold cleanup after the caller is gone
	holdReleaseTimeout = 2 * time.Second
)

// UnitOfWorkConfig tunes how a unit of work is run
type UnitOfWorkConfig struct {
	// Timeout bounds one run including retries (default 10s)
	Timeout time.Duration
	// MaxRetries is the number of retries after a transient failure (default 2)
	MaxRetries int
}

// unitOfWorkRunner runs a unit of work detached from the caller's
// cancellation, retrying transient store failures
type unitOfWorkRunner struct {
	uow     repository.UnitOfWork
	retrier *retry.Retrier
	timeout time.Duration
}

func newUnitOfWorkRunner(uow repository.UnitOfWork, cfg *UnitOfWorkConfig) *unitOfWorkRunner {
	timeout := defaultCommitTimeout
	retryCfg := retry.DefaultConfig()
	if cfg != nil {
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.MaxRetries >= 0 {
			retryCfg.MaxRetries = cfg.MaxRetries
		}
	}
	retryCfg.ShouldRetry = isTransient

	return &unitOfWorkRunner{
		uow:     uow,
		retrier: retry.New(retryCfg),
		timeout: timeout,
	}
}

// isTransient retries store failures only. A business failure is final.
func isTransient(err error) bool {
	return !domain.IsBusinessError(err) && database.IsTransient(err)
}

// run executes the unit of work once it has started, even when ctx is
// cancelled. Failures come back as business errors or *domain.InternalError.
func (r *unitOfWorkRunner) run(ctx context.Context, name string, build func(s *repository.Stores) []*saga.Step, onRetry func(attempt int)) error {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	result := r.retrier.DoWithCallback(runCtx, func(ctx context.Context) error {
		return r.uow.Run(ctx, name, build)
	}, func(attempt int, err error, next time.Duration) {
		logger.Get().WarnContext(ctx, "Retrying unit of work",
			zap.String("unit", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
		if onRetry != nil {
			onRetry(attempt)
		}
	})
	if result.Err == nil {
		return nil
	}
	return classifyError(name, result)
}

func classifyError(op string, result *retry.Result) error {
	err := result.Err
	if errors.Is(err, retry.ErrMaxRetriesExceeded) || errors.Is(err, retry.ErrContextCanceled) {
		if result.LastError != nil {
			err = result.LastError
		}
		return &domain.InternalError{Op: op, Err: err, Retryable: true}
	}
	if domain.IsBusinessError(err) {
		var stepErr *saga.StepError
		if errors.As(err, &stepErr) {
			return stepErr.Err
		}
		return err
	}
	return &domain.InternalError{Op: op, Err: err, Retryable: database.IsTransient(err)}
}

// loadTickets reads every ticket type and checks it belongs to eventID.
// Unknown or foreign tickets are request errors.
func loadTickets(ctx context.Context, counter repository.CapacityCounter, eventID string, ticketIDs []string) (map[string]*domain.TicketType, error) {
	tickets := make(map[string]*domain.TicketType, len(ticketIDs))
	for _, id := range ticketIDs {
		t, err := counter.Get(ctx, id)
		if errors.Is(err, domain.ErrTicketNotFound) {
			return nil, fmt.Errorf("%w: %w: %s", domain.ErrInvalidRequest, domain.ErrTicketNotFound, id)
		}
		if err != nil {
			return nil, &domain.InternalError{Op: "load_ticket", Err: err, Retryable: database.IsTransient(err)}
		}
		if !t.BelongsTo(eventID) {
			return nil, fmt.Errorf("%w: %w: %s", domain.ErrInvalidRequest, domain.ErrTicketEventMismatch, id)
		}
		tickets[id] = t
	}
	return tickets, nil
}

// releaseHolds drops the session's holds on seatIDs. Failures are logged;
// an unreleased hold still expires on its own.
func releaseHolds(ctx context.Context, holds repository.HoldStore, eventID, sessionID string, seatIDs []string) int {
	if len(seatIDs) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), holdReleaseTimeout)
	defer cancel()

	released, err := holds.Release(ctx, eventID, seatIDs, sessionID)
	if err != nil {
		logger.Get().WarnContext(ctx, "Failed to release holds",
			zap.String("event_id", eventID),
			zap.String("session_id", sessionID),
			zap.Strings("seat_ids", seatIDs),
			zap.Error(err),
		)
	}
	return released
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

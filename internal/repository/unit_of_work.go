package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/seat-reservation/pkg/database"
	"github.com/prohmpiriya/seat-reservation/pkg/saga"
)

// PostgresUnitOfWork runs every step inside one database transaction.
// Compensations are not needed: a failed step rolls the transaction back.
type PostgresUnitOfWork struct {
	db               *database.PostgresDB
	outboxMaxRetries int
}

// NewPostgresUnitOfWork creates a new PostgresUnitOfWork. outboxMaxRetries
// sets the publish retry budget of messages written by its steps, 0 keeps
// the message default.
func NewPostgresUnitOfWork(db *database.PostgresDB, outboxMaxRetries int) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{db: db, outboxMaxRetries: outboxMaxRetries}
}

// Run executes the steps in order and commits only if all of them succeed
func (u *PostgresUnitOfWork) Run(ctx context.Context, name string, build func(s *Stores) []*saga.Step) (err error) {
	tx, err := u.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	stores := NewPostgresStores(tx)
	stores.Outbox = NewPostgresOutboxRepository(tx, u.outboxMaxRetries)

	for _, step := range build(stores) {
		if step == nil {
			continue
		}
		if err = runStep(ctx, step); err != nil {
			return &saga.StepError{Step: step.Name, Err: err}
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

func runStep(ctx context.Context, step *saga.Step) error {
	if step.Execute == nil {
		return nil
	}
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	return step.Execute(ctx)
}

// NewPostgresStores binds every durable store to db, a pool or a transaction
func NewPostgresStores(db database.DBTX) *Stores {
	return &Stores{
		Seats:    NewPostgresSeatLedger(db),
		Capacity: NewPostgresCapacityCounter(db),
		Bookings: NewPostgresBookingRepository(db),
		Masters:  NewPostgresMasterBookingRepository(db),
		Outbox:   NewPostgresOutboxRepository(db, 0),
	}
}

// MemoryUnitOfWork runs steps as a compensating saga over in-process
// stores. A failed step undoes the completed ones in reverse order.
type MemoryUnitOfWork struct {
	stores       *Stores
	orchestrator *saga.Orchestrator
}

// NewMemoryUnitOfWork creates a unit of work over the memory stores
func NewMemoryUnitOfWork(stores *MemoryStores, orchestrator *saga.Orchestrator) *MemoryUnitOfWork {
	if orchestrator == nil {
		orchestrator = saga.NewOrchestrator(nil)
	}
	return &MemoryUnitOfWork{stores: stores.Stores(), orchestrator: orchestrator}
}

// Run executes the steps through the saga orchestrator
func (u *MemoryUnitOfWork) Run(ctx context.Context, name string, build func(s *Stores) []*saga.Step) error {
	def := saga.NewDefinition(name).AddStep(build(u.stores)...)
	_, err := u.orchestrator.Run(ctx, def)
	return err
}

var (
	_ UnitOfWork = (*PostgresUnitOfWork)(nil)
	_ UnitOfWork = (*MemoryUnitOfWork)(nil)
)

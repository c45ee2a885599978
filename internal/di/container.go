package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/seat-reservation/internal/handler"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/internal/service"
	"github.com/prohmpiriya/seat-reservation/internal/worker"
	"github.com/prohmpiriya/seat-reservation/pkg/config"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
	"github.com/prohmpiriya/seat-reservation/pkg/kafka"
	"github.com/prohmpiriya/seat-reservation/pkg/redis"
	"github.com/prohmpiriya/seat-reservation/pkg/retry"
)

// Container holds all dependencies for the reservation service
type Container struct {
	// Infrastructure, nil on the memory backend
	DB    *database.PostgresDB
	Redis *redis.Client

	// Stores
	Stores     *repository.Stores
	Holds      repository.HoldStore
	UnitOfWork repository.UnitOfWork
	Outbox     repository.OutboxRepository

	// Services
	Validator    service.ReservationValidator
	Committer    service.ReservationCommitter
	Inventory    service.InventoryService
	Cancellation service.CancellationService

	// Handlers
	HealthHandler      *handler.HealthHandler
	ReservationHandler *handler.ReservationHandler
	InventoryHandler   *handler.InventoryHandler
	AdminHandler       *handler.AdminHandler

	// Workers, nil when Kafka is disabled
	OutboxWorker         *worker.OutboxWorker
	CancellationConsumer *worker.CancellationConsumer
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	Config *config.Config
	DB     *database.PostgresDB
	Redis  *redis.Client

	// Publisher feeds the outbox worker and the DLQ. Nil disables both workers.
	Publisher kafka.Publisher
	// Source feeds the cancellation consumer. Nil disables it.
	Source worker.RecordSource

	// Now overrides the clock of the memory backend
	Now func() time.Time
}

// NewContainer creates a new dependency injection container
func NewContainer(ctx context.Context, cfg *ContainerConfig) (*Container, error) {
	if cfg == nil || cfg.Config == nil {
		return nil, errors.New("container config is required")
	}
	appCfg := cfg.Config

	c := &Container{
		DB:    cfg.DB,
		Redis: cfg.Redis,
	}

	holdCfg := &repository.HoldStoreConfig{
		TTL:         appCfg.Reservation.HoldTTL,
		MaxLifetime: appCfg.Reservation.HoldMaxLifetime,
	}
	checks := map[string]handler.HealthChecker{}

	switch appCfg.Reservation.StorageBackend {
	case config.StorageBackendPostgres:
		if cfg.DB == nil || cfg.Redis == nil {
			return nil, errors.New("postgres backend requires database and redis connections")
		}
		c.Stores = repository.NewPostgresStores(cfg.DB.Pool())
		c.UnitOfWork = repository.NewPostgresUnitOfWork(cfg.DB, appCfg.Outbox.MaxRetries)
		c.Outbox = repository.NewPostgresOutboxRepository(cfg.DB.Pool(), appCfg.Outbox.MaxRetries)

		holds := repository.NewRedisHoldStore(cfg.Redis, holdCfg)
		if err := holds.LoadScripts(ctx); err != nil {
			return nil, fmt.Errorf("failed to load hold scripts: %w", err)
		}
		c.Holds = holds

		checks["database"] = cfg.DB
		checks["redis"] = cfg.Redis

	case config.StorageBackendMemory:
		now := cfg.Now
		if now == nil {
			now = time.Now
		}
		stores := repository.NewMemoryStores()
		c.Stores = stores.Stores()
		c.UnitOfWork = repository.NewMemoryUnitOfWork(stores, nil)
		c.Outbox = stores.Outbox
		c.Holds = repository.NewMemoryHoldStore(holdCfg, now)

		if cfg.Redis != nil {
			checks["redis"] = cfg.Redis
		}

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", appCfg.Reservation.StorageBackend)
	}

	uowCfg := service.UnitOfWorkConfig{
		Timeout:    appCfg.Reservation.CommitTimeout,
		MaxRetries: appCfg.Reservation.CommitMaxRetries,
	}

	// Initialize services
	c.Validator = service.NewReservationValidator(c.Stores, c.Holds, &service.ValidatorConfig{
		HoldTTL: appCfg.Reservation.HoldTTL,
	})
	c.Committer = service.NewReservationCommitter(c.Stores, c.Holds, c.UnitOfWork, &service.CommitterConfig{
		HoldTTL:     appCfg.Reservation.HoldTTL,
		EventsTopic: appCfg.Kafka.EventsTopic,
		UnitOfWork:  uowCfg,
	})
	c.Inventory = service.NewInventoryService(c.Stores, c.Holds)
	c.Cancellation = service.NewCancellationService(c.Stores, c.UnitOfWork, &service.CancellationConfig{
		EventsTopic: appCfg.Kafka.EventsTopic,
		UnitOfWork:  uowCfg,
	})

	// Initialize handlers
	c.HealthHandler = handler.NewHealthHandler(checks)
	c.ReservationHandler = handler.NewReservationHandler(c.Validator, c.Committer, c.Inventory)
	c.InventoryHandler = handler.NewInventoryHandler(c.Inventory)
	c.AdminHandler = handler.NewAdminHandler(c.Cancellation, c.Inventory)

	// Initialize workers
	if cfg.Publisher != nil {
		c.OutboxWorker = worker.NewOutboxWorker(c.Outbox, cfg.Publisher, &worker.OutboxWorkerConfig{
			PollInterval:    appCfg.Outbox.PollInterval,
			BatchSize:       appCfg.Outbox.BatchSize,
			CleanupInterval: appCfg.Outbox.CleanupPeriod,
			Retention:       appCfg.Outbox.Retention,
			Source:          appCfg.App.Name,
		})

		if cfg.Source != nil {
			dlq := retry.NewDLQHandler(
				retry.NewKafkaDLQPublisher(cfg.Publisher, appCfg.App.Name),
				retry.DefaultConfig(),
				nil,
			)
			c.CancellationConsumer = worker.NewCancellationConsumer(cfg.Source, c.Cancellation, dlq, nil)
		}
	}

	return c, nil
}

// StartWorkers starts the configured background workers
func (c *Container) StartWorkers(ctx context.Context) error {
	if c.OutboxWorker != nil {
		if err := c.OutboxWorker.Start(ctx); err != nil {
			return err
		}
	}
	if c.CancellationConsumer != nil {
		if err := c.CancellationConsumer.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopWorkers stops the consumer first so no new outbox rows are written
// after the outbox worker's last batch
func (c *Container) StopWorkers() {
	if c.CancellationConsumer != nil {
		c.CancellationConsumer.Stop()
	}
	if c.OutboxWorker != nil {
		c.OutboxWorker.Stop()
	}
}

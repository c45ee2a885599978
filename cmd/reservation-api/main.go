package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/di"
	"github.com/prohmpiriya/seat-reservation/internal/metrics"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/config"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
	"github.com/prohmpiriya/seat-reservation/pkg/kafka"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
	"github.com/prohmpiriya/seat-reservation/pkg/middleware"
	pkgredis "github.com/prohmpiriya/seat-reservation/pkg/redis"
	"github.com/prohmpiriya/seat-reservation/pkg/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	if err := logger.Init(&logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
		OutputPath:  "stdout",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting reservation service...",
		zap.String("version", cfg.App.Version),
		zap.String("storage_backend", cfg.Reservation.StorageBackend),
	)

	ctx := context.Background()

	// Initialize OpenTelemetry before any instrument is created
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		MetricInterval: cfg.OTel.MetricInterval,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn("Failed to initialize telemetry, continuing without it", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			appLog.Error("Failed to shutdown telemetry", zap.Error(err))
		}
	}()

	if err := metrics.Init(); err != nil {
		appLog.Warn("Failed to initialize metrics", zap.Error(err))
	}

	var (
		db          *database.PostgresDB
		redisClient *pkgredis.Client
	)

	if cfg.Reservation.StorageBackend == config.StorageBackendPostgres {
		dbCfg := database.DefaultPostgresConfig()
		dbCfg.Host = cfg.Database.Host
		dbCfg.Port = cfg.Database.Port
		dbCfg.User = cfg.Database.User
		dbCfg.Password = cfg.Database.Password
		dbCfg.Database = cfg.Database.DBName
		dbCfg.SSLMode = cfg.Database.SSLMode
		dbCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		dbCfg.MinConns = int32(cfg.Database.MaxIdleConns)
		dbCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		dbCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		dbCfg.ConnectTimeout = 5 * time.Second
		dbCfg.EnableTracing = cfg.OTel.Enabled

		db, err = database.NewPostgres(ctx, dbCfg)
		if err != nil {
			appLog.Fatal("Database connection failed", zap.Error(err))
		}
		defer db.Close()
		appLog.Info("Database connected", zap.Int("max_conns", cfg.Database.MaxOpenConns))

		if cfg.MigrateOnStart {
			applied, err := db.Migrate(ctx, repository.Migrations())
			if err != nil {
				appLog.Fatal("Database migration failed", zap.Error(err))
			}
			appLog.Info("Database migrated", zap.Strings("applied", applied))
		}

		redisClient, err = pkgredis.NewClient(ctx, &pkgredis.Config{
			Host:          cfg.Redis.Host,
			Port:          cfg.Redis.Port,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			PoolSize:      cfg.Redis.PoolSize,
			MinIdleConns:  cfg.Redis.MinIdleConns,
			DialTimeout:   cfg.Redis.DialTimeout,
			ReadTimeout:   cfg.Redis.ReadTimeout,
			WriteTimeout:  cfg.Redis.WriteTimeout,
			PoolTimeout:   cfg.Redis.PoolTimeout,
			MaxRetries:    3,
			RetryInterval: 100 * time.Millisecond,
		})
		if err != nil {
			appLog.Fatal("Redis connection failed", zap.Error(err))
		}
		defer redisClient.Close()
		appLog.Info("Redis connected", zap.Int("pool_size", cfg.Redis.PoolSize))
	}

	// Kafka is optional. Without it the outbox keeps pending rows until a
	// broker is configured, and cancellations arrive over HTTP only.
	var (
		publisher kafka.Publisher
		consumer  *kafka.Consumer
	)
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
			Brokers:       cfg.Kafka.Brokers,
			ClientID:      cfg.Kafka.ClientID,
			MaxRetries:    3,
			RetryInterval: time.Second,
			BatchSize:     1 << 20,
			LingerMs:      5,
		})
		if err != nil {
			appLog.Warn("Kafka producer unavailable, outbox worker disabled", zap.Error(err))
		} else {
			publisher = producer
			defer producer.Close()
			appLog.Info("Kafka producer connected", zap.Strings("brokers", cfg.Kafka.Brokers))

			consumer, err = kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
				Brokers:  cfg.Kafka.Brokers,
				GroupID:  cfg.Kafka.ConsumerGroup,
				Topics:   []string{cfg.Kafka.CancellationRequestTopic},
				ClientID: cfg.Kafka.ClientID,
			})
			if err != nil {
				appLog.Warn("Kafka consumer unavailable, cancellation requests disabled", zap.Error(err))
				consumer = nil
			}
		}
	}

	containerCfg := &di.ContainerConfig{
		Config:    cfg,
		DB:        db,
		Redis:     redisClient,
		Publisher: publisher,
	}
	if consumer != nil {
		containerCfg.Source = consumer
	}

	container, err := di.NewContainer(ctx, containerCfg)
	if err != nil {
		appLog.Fatal("Failed to build container", zap.Error(err))
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if err := container.StartWorkers(workerCtx); err != nil {
		appLog.Fatal("Failed to start workers", zap.Error(err))
	}

	router := newRouter(cfg, container, redisClient)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// Start server in goroutine
	go func() {
		appLog.Info("Reservation service listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Server forced to shutdown", zap.Error(err))
	}

	// Outstanding commits have finished, drain the workers
	container.StopWorkers()

	appLog.Info("Server exited gracefully")
}

func newRouter(cfg *config.Config, container *di.Container, redisClient *pkgredis.Client) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.TracingMiddleware(cfg.OTel.ServiceName))

	// Health check endpoints
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)

	// Pool stats for monitoring, postgres backend only
	if container.DB != nil {
		router.GET("/metrics", func(c *gin.Context) {
			stats := container.DB.Stats()
			c.JSON(http.StatusOK, gin.H{
				"db_pool": gin.H{
					"total_conns":        stats.TotalConns(),
					"acquired_conns":     stats.AcquiredConns(),
					"idle_conns":         stats.IdleConns(),
					"max_conns":          stats.MaxConns(),
					"constructing_conns": stats.ConstructingConns(),
				},
			})
		})
	}

	// Commit replays the stored response for a repeated key. The memory
	// backend runs without Redis and therefore without replay.
	commitMiddleware := []gin.HandlerFunc{}
	if redisClient != nil {
		idempotencyConfig := middleware.DefaultIdempotencyConfig(redisClient)
		idempotencyConfig.Required = true
		commitMiddleware = append(commitMiddleware, middleware.IdempotencyMiddleware(idempotencyConfig))
	} else {
		logger.Get().Warn("Idempotency replay disabled, no Redis configured")
	}

	v1 := router.Group("/api/v1")
	{
		reservations := v1.Group("/reservations")
		{
			reservations.POST("/validate", container.ReservationHandler.Validate)
			reservations.POST("/commit", append(commitMiddleware, container.ReservationHandler.Commit)...)
			reservations.POST("/release", container.ReservationHandler.Release)
		}

		v1.GET("/events/:eventId/seats", container.InventoryHandler.SeatMap)
		v1.GET("/ticket-types/:id/availability", container.InventoryHandler.Availability)

		// Operator routes
		operator := v1.Group("")
		operator.Use(
			middleware.JWTMiddleware(&middleware.JWTConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer}),
			middleware.RequireRole(middleware.RoleAdmin, middleware.RoleOperator),
		)
		{
			operator.POST("/bookings/:id/cancel", container.AdminHandler.CancelBooking)
			operator.POST("/master-bookings/:id/cancel", container.AdminHandler.CancelMasterBooking)
			operator.PUT("/events/:eventId/seats/:seatId/disabled", container.AdminHandler.SetSeatDisabled)
		}
	}

	return router
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/metrics"
	"github.com/prohmpiriya/seat-reservation/internal/repository"
	"github.com/prohmpiriya/seat-reservation/pkg/kafka"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
)

// OutboxWorkerConfig contains configuration for the outbox worker
type OutboxWorkerConfig struct {
	// PollInterval is the interval between polling for pending messages
	PollInterval time.Duration
	// BatchSize is the number of messages to fetch in each poll
	BatchSize int
	// RetryInterval is the interval between retrying failed messages
	RetryInterval time.Duration
	// CleanupInterval is the interval between cleanup of old published messages
	CleanupInterval time.Duration
	// Retention is how long published messages are kept
	Retention time.Duration
	// Source is written to the source header of every message
	Source string
}

// DefaultOutboxWorkerConfig returns default configuration
func DefaultOutboxWorkerConfig() *OutboxWorkerConfig {
	return &OutboxWorkerConfig{
		PollInterval:    time.Second,
		BatchSize:       100,
		RetryInterval:   5 * time.Second,
		CleanupInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
		Source:          "seat-reservation",
	}
}

// OutboxWorker polls the outbox and publishes committed and cancelled
// events to Kafka. Delivery is at least once; consumers dedupe by set or
// booking id.
type OutboxWorker struct {
	outbox    repository.OutboxRepository
	publisher kafka.Publisher
	config    *OutboxWorkerConfig
	log       *logger.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// NewOutboxWorker creates a new outbox worker
func NewOutboxWorker(outbox repository.OutboxRepository, publisher kafka.Publisher, config *OutboxWorkerConfig) *OutboxWorker {
	defaults := DefaultOutboxWorkerConfig()
	if config == nil {
		config = defaults
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.Source == "" {
		config.Source = defaults.Source
	}

	return &OutboxWorker{
		outbox:    outbox,
		publisher: publisher,
		config:    config,
		log:       logger.Get().Named("outbox-worker"),
		stopCh:    make(chan struct{}),
	}
}

// Start starts the outbox worker
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting outbox worker",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
	)

	w.wg.Add(3)
	go w.loop(ctx, w.config.PollInterval, w.ProcessPending)
	go w.loop(ctx, w.config.RetryInterval, w.ProcessFailed)
	go w.loop(ctx, w.config.CleanupInterval, w.Cleanup)

	return nil
}

// Stop stops the outbox worker and waits for in-flight batches
func (w *OutboxWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping outbox worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Outbox worker stopped")
}

func (w *OutboxWorker) loop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// ProcessPending publishes one batch of pending messages
func (w *OutboxWorker) ProcessPending(ctx context.Context) {
	messages, err := w.outbox.GetPendingMessages(ctx, w.config.BatchSize)
	if err != nil {
		w.log.Error("Failed to get pending messages", zap.Error(err))
		return
	}
	w.publishBatch(ctx, messages)
}

// ProcessFailed retries one batch of failed messages with retries left
func (w *OutboxWorker) ProcessFailed(ctx context.Context) {
	messages, err := w.outbox.GetFailedMessages(ctx, w.config.BatchSize)
	if err != nil {
		w.log.Error("Failed to get failed messages", zap.Error(err))
		return
	}
	w.publishBatch(ctx, messages)
}

// Cleanup deletes published messages older than the retention
func (w *OutboxWorker) Cleanup(ctx context.Context) {
	deleted, err := w.outbox.DeletePublished(ctx, w.config.Retention)
	if err != nil {
		w.log.Error("Failed to cleanup old messages", zap.Error(err))
		return
	}
	if deleted > 0 {
		metrics.RecordOutboxDeleted(ctx, deleted)
		w.log.Info("Cleaned up old published messages", zap.Int64("deleted", deleted))
	}
}

func (w *OutboxWorker) publishBatch(ctx context.Context, messages []*domain.OutboxMessage) {
	if len(messages) == 0 {
		return
	}
	metrics.RecordOutboxBatch(ctx, int64(len(messages)))
	defer metrics.RecordOutboxBatch(ctx, -int64(len(messages)))

	for _, msg := range messages {
		log := w.log.WithFields(zap.String("message_id", msg.ID), zap.String("event_type", msg.EventType))

		if err := w.publishMessage(ctx, msg); err != nil {
			metrics.RecordOutboxFailed(ctx, msg.EventType)
			fields := []zap.Field{
				zap.Int("attempt", msg.RetryCount+1),
				zap.Int("max_retries", msg.MaxRetries),
				zap.Error(err),
			}
			if msg.RetryCount+1 >= msg.MaxRetries {
				log.Error("Giving up on outbox message", fields...)
			} else {
				log.Warn("Failed to publish outbox message", fields...)
			}
			if markErr := w.outbox.MarkAsFailed(ctx, msg.ID, err.Error()); markErr != nil {
				log.Error("Failed to mark message as failed", zap.Error(markErr))
			}
			continue
		}

		metrics.RecordOutboxPublished(ctx, msg.EventType)
		if markErr := w.outbox.MarkAsPublished(ctx, msg.ID); markErr != nil {
			log.Error("Failed to mark message as published", zap.Error(markErr))
		}
	}
}

// publishMessage publishes a message to Kafka
func (w *OutboxWorker) publishMessage(ctx context.Context, msg *domain.OutboxMessage) error {
	return w.publisher.Produce(ctx, &kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.PartitionKey),
		Value: msg.Payload,
		Headers: map[string]string{
			"event_type":     msg.EventType,
			"aggregate_type": msg.AggregateType,
			"aggregate_id":   msg.AggregateID,
			"message_id":     msg.ID,
			"content_type":   "application/json",
			"source":         w.config.Source,
		},
		Timestamp: time.Now(),
	})
}

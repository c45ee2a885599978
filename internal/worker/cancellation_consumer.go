package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/internal/dto"
	"github.com/prohmpiriya/seat-reservation/internal/service"
	"github.com/prohmpiriya/seat-reservation/pkg/kafka"
	"github.com/prohmpiriya/seat-reservation/pkg/logger"
	"github.com/prohmpiriya/seat-reservation/pkg/retry"
)

// CancellationRequest is published by refund and chargeback flows. Exactly
// one of BookingID or MasterBookingID is set.
type CancellationRequest struct {
	BookingID       string `json:"booking_id,omitempty"`
	MasterBookingID string `json:"master_booking_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	RequestedBy     string `json:"requested_by,omitempty"`
}

// RecordSource is the consumer surface the worker needs
type RecordSource interface {
	Poll(ctx context.Context) ([]*kafka.Record, error)
	CommitRecords(ctx context.Context, records []*kafka.Record) error
	Close()
}

// CancellationConsumerConfig contains configuration for the cancellation consumer
type CancellationConsumerConfig struct {
	// RedeliveryBackoff is the wait before retrying a record that could
	// neither be processed nor parked in the DLQ
	RedeliveryBackoff time.Duration
	// FetchErrorBackoff is the wait after a poll that returned only errors
	FetchErrorBackoff time.Duration
}

// CancellationConsumer applies cancellation requests from Kafka. Records
// that keep failing are parked in the DLQ so the partition keeps moving.
type CancellationConsumer struct {
	source       RecordSource
	cancellation service.CancellationService
	dlq          *retry.DLQHandler
	config       *CancellationConsumerConfig
	log          *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCancellationConsumer creates a new cancellation consumer
func NewCancellationConsumer(source RecordSource, cancellation service.CancellationService, dlq *retry.DLQHandler, config *CancellationConsumerConfig) *CancellationConsumer {
	if config == nil {
		config = &CancellationConsumerConfig{}
	}
	if config.RedeliveryBackoff <= 0 {
		config.RedeliveryBackoff = 5 * time.Second
	}
	if config.FetchErrorBackoff <= 0 {
		config.FetchErrorBackoff = time.Second
	}

	return &CancellationConsumer{
		source:       source,
		cancellation: cancellation,
		dlq:          dlq,
		config:       config,
		log:          logger.Get().Named("cancellation-consumer"),
	}
}

// Start begins consuming in the background
func (c *CancellationConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cancellation consumer already running")
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	c.log.Info("Starting cancellation consumer")
	go c.run(ctx)
	return nil
}

// Stop stops polling, waits for the current batch and closes the source
func (c *CancellationConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.log.Info("Stopping cancellation consumer")
	c.cancel()
	<-c.done
	c.source.Close()
	c.log.Info("Cancellation consumer stopped")
}

func (c *CancellationConsumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		records, err := c.source.Poll(ctx)
		if errors.Is(err, kafka.ErrClientClosed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("Fetch errors from cancellation topic", zap.Error(err))
			if len(records) == 0 {
				if !sleep(ctx, c.config.FetchErrorBackoff) {
					return
				}
				continue
			}
		}

		settled := c.ProcessRecords(ctx, records)
		if len(settled) == 0 {
			continue
		}
		if err := c.source.CommitRecords(context.WithoutCancel(ctx), settled); err != nil {
			c.log.Error("Failed to commit offsets", zap.Error(err))
		}
	}
}

// ProcessRecords handles records in order and returns the ones that are
// settled, either applied or parked. It stops at the first record that is
// not settled when ctx ends, leaving it and the rest for redelivery.
func (c *CancellationConsumer) ProcessRecords(ctx context.Context, records []*kafka.Record) []*kafka.Record {
	settled := make([]*kafka.Record, 0, len(records))
	for _, r := range records {
		if !c.settle(ctx, r) {
			break
		}
		settled = append(settled, r)
	}
	return settled
}

// settle retries a record until it is applied or parked, or ctx ends
func (c *CancellationConsumer) settle(ctx context.Context, r *kafka.Record) bool {
	msgCtx := &retry.MessageContext{
		ID:      fmt.Sprintf("%s-%d-%d", r.Topic, r.Partition, r.Offset),
		Topic:   r.Topic,
		Key:     string(r.Key),
		Payload: json.RawMessage(r.Value),
		Headers: r.Headers,
	}

	for {
		err := c.dlq.ProcessWithDLQ(ctx, msgCtx, func(ctx context.Context) error {
			return c.apply(ctx, r)
		})
		switch {
		case err == nil:
			return true
		case errors.Is(err, retry.ErrContextCanceled):
			return false
		case errors.Is(err, retry.ErrDLQPublishFailed):
			c.log.Error("Cancellation request neither applied nor parked, retrying",
				zap.String("message_id", msgCtx.ID),
				zap.Error(err),
			)
			if !sleep(ctx, c.config.RedeliveryBackoff) {
				return false
			}
		default:
			c.log.Warn("Cancellation request parked in DLQ",
				zap.String("message_id", msgCtx.ID),
				zap.Error(err),
			)
			return true
		}
	}
}

// apply runs one cancellation and marks the error for the retrier
func (c *CancellationConsumer) apply(ctx context.Context, r *kafka.Record) error {
	var req CancellationRequest
	if err := json.Unmarshal(r.Value, &req); err != nil {
		return retry.Permanent(fmt.Errorf("invalid cancellation request: %w", err))
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	req.MasterBookingID = strings.TrimSpace(req.MasterBookingID)
	if (req.BookingID == "") == (req.MasterBookingID == "") {
		return retry.Permanent(fmt.Errorf("%w: exactly one of booking_id or master_booking_id is required", domain.ErrInvalidRequest))
	}

	var (
		resp *dto.CancelResponse
		err  error
	)
	if req.BookingID != "" {
		resp, err = c.cancellation.CancelBooking(ctx, req.BookingID, req.Reason)
	} else {
		resp, err = c.cancellation.CancelMasterBooking(ctx, req.MasterBookingID, req.Reason)
	}

	var internal *domain.InternalError
	switch {
	case err == nil:
		c.log.InfoContext(ctx, "Applied cancellation request",
			zap.String("booking_id", req.BookingID),
			zap.String("master_booking_id", req.MasterBookingID),
			zap.Strings("cancelled", resp.BookingIDs),
			zap.String("requested_by", req.RequestedBy),
		)
		return nil
	case errors.Is(err, domain.ErrBookingAlreadyCancelled):
		// redelivery or a duplicate request
		c.log.InfoContext(ctx, "Cancellation request already applied",
			zap.String("booking_id", req.BookingID),
			zap.String("master_booking_id", req.MasterBookingID),
		)
		return nil
	case errors.As(err, &internal) && internal.Retryable:
		return retry.Retryable(err)
	default:
		return retry.Permanent(err)
	}
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

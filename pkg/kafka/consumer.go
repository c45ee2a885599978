package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ConsumerConfig holds configuration for a group consumer
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	ClientID         string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
}

// Record is an inbound Kafka record
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	raw *kgo.Record
}

// FetchError describes a partition-level fetch failure
type FetchError struct {
	Topic     string
	Partition int32
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s[%d]: %v", e.Topic, e.Partition, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrClientClosed is returned by Poll after Close
var ErrClientClosed = errors.New("kafka client closed")

// Consumer is a group consumer with manual offset commits
type Consumer struct {
	client *kgo.Client
}

// NewConsumer creates a group consumer and pings the cluster
func NewConsumer(ctx context.Context, cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("consumer group and topics are required")
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.RebalanceTimeout == 0 {
		cfg.RebalanceTimeout = 60 * time.Second
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.RebalanceTimeout(cfg.RebalanceTimeout),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka: %w", err)
	}

	return &Consumer{client: client}, nil
}

// Poll blocks until records are available or ctx is done. Partition
// errors are joined into the returned error alongside any records.
func (c *Consumer) Poll(ctx context.Context) ([]*Record, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClientClosed
	}

	var errs []error
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		errs = append(errs, &FetchError{Topic: fe.Topic, Partition: fe.Partition, Err: fe.Err})
	}

	var records []*Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, fromRecord(r))
	})

	return records, errors.Join(errs...)
}

// CommitRecords commits the offsets of the given records
func (c *Consumer) CommitRecords(ctx context.Context, records []*Record) error {
	raw := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		if r.raw != nil {
			raw = append(raw, r.raw)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	return c.client.CommitRecords(ctx, raw...)
}

// Close leaves the group and closes the client
func (c *Consumer) Close() {
	c.client.Close()
}

func fromRecord(r *kgo.Record) *Record {
	record := &Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		raw:       r,
	}
	if len(r.Headers) > 0 {
		record.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			record.Headers[h.Key] = string(h.Value)
		}
	}
	return record
}

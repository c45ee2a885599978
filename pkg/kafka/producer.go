package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig holds configuration for the Kafka producer
type ProducerConfig struct {
	Brokers       []string
	ClientID      string
	MaxRetries    int
	RetryInterval time.Duration
	// BatchSize caps the bytes buffered per partition batch
	BatchSize int
	LingerMs  int
}

// DefaultProducerConfig returns default producer configuration
func DefaultProducerConfig() *ProducerConfig {
	return &ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		ClientID:      "seat-reservation",
		MaxRetries:    3,
		RetryInterval: time.Second,
		BatchSize:     1 << 20,
		LingerMs:      5,
	}
}

// Message is an outbound Kafka message
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Publisher is the producer surface used by workers
type Publisher interface {
	Produce(ctx context.Context, msg *Message) error
	ProduceJSON(ctx context.Context, topic, key string, data interface{}, headers map[string]string) error
	Close()
}

// Producer wraps a franz-go client for producing records
type Producer struct {
	client *kgo.Client
}

// NewProducer creates a producer and waits until a broker answers
func NewProducer(ctx context.Context, cfg *ProducerConfig) (*Producer, error) {
	if cfg == nil {
		cfg = DefaultProducerConfig()
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(time.Duration(cfg.LingerMs) * time.Millisecond),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.BatchSize > 0 {
		opts = append(opts, kgo.ProducerBatchMaxBytes(int32(cfg.BatchSize)))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := pingWithRetry(ctx, client, cfg.MaxRetries, cfg.RetryInterval); err != nil {
		client.Close()
		return nil, err
	}

	return &Producer{client: client}, nil
}

func pingWithRetry(ctx context.Context, client *kgo.Client, maxRetries int, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}

	var err error
	for i := 0; i <= maxRetries; i++ {
		if err = client.Ping(ctx); err == nil {
			return nil
		}
		if i == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("failed to connect to kafka after %d attempts: %w", maxRetries+1, err)
}

// Produce sends a message and waits for the broker acknowledgement
func (p *Producer) Produce(ctx context.Context, msg *Message) error {
	if msg == nil || msg.Topic == "" {
		return errors.New("kafka message topic is required")
	}
	if err := p.client.ProduceSync(ctx, toRecord(msg)).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", msg.Topic, err)
	}
	return nil
}

// ProduceJSON marshals data and sends it
func (p *Producer) ProduceJSON(ctx context.Context, topic, key string, data interface{}, headers map[string]string) error {
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Produce(ctx, &Message{
		Topic:     topic,
		Key:       []byte(key),
		Value:     value,
		Headers:   headers,
		Timestamp: time.Now(),
	})
}

// ProduceAsync sends a message without waiting. onDone may be nil.
func (p *Producer) ProduceAsync(ctx context.Context, msg *Message, onDone func(error)) {
	p.client.Produce(ctx, toRecord(msg), func(_ *kgo.Record, err error) {
		if onDone != nil {
			onDone(err)
		}
	})
}

// Flush waits for buffered records to be acknowledged
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and closes the client
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}

func toRecord(msg *Message) *kgo.Record {
	record := &kgo.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return record
}

// NoOpProducer drops every message, used when Kafka is disabled
type NoOpProducer struct{}

// Produce does nothing
func (NoOpProducer) Produce(ctx context.Context, msg *Message) error { return nil }

// ProduceJSON does nothing
func (NoOpProducer) ProduceJSON(ctx context.Context, topic, key string, data interface{}, headers map[string]string) error {
	return nil
}

// Close does nothing
func (NoOpProducer) Close() {}

var (
	_ Publisher = (*Producer)(nil)
	_ Publisher = NoOpProducer{}
)

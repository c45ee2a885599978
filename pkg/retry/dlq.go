package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrDLQPublishFailed marks a message that failed and could not be parked
var ErrDLQPublishFailed = errors.New("failed to publish to DLQ")

// DLQMessage represents a message parked in a dead letter topic
type DLQMessage struct {
	ID            string            `json:"id"`
	OriginalTopic string            `json:"original_topic"`
	OriginalKey   string            `json:"original_key"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Error         string            `json:"error"`
	Attempts      int               `json:"attempts"`
	FirstAttempt  time.Time         `json:"first_attempt_at"`
	MovedToDLQAt  time.Time         `json:"moved_to_dlq_at"`
	Source        string            `json:"source"`
}

// JSONProducer is the producer surface the DLQ publisher needs
type JSONProducer interface {
	ProduceJSON(ctx context.Context, topic, key string, data interface{}, headers map[string]string) error
}

// DLQPublisher publishes failed messages to a dead letter topic
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg *DLQMessage) error
	GetDLQTopic(originalTopic string) string
}

// KafkaDLQPublisher writes DLQ messages to "<topic>.dlq"
type KafkaDLQPublisher struct {
	producer JSONProducer
	suffix   string
	source   string
}

// NewKafkaDLQPublisher creates a new Kafka DLQ publisher
func NewKafkaDLQPublisher(producer JSONProducer, source string) *KafkaDLQPublisher {
	return &KafkaDLQPublisher{producer: producer, suffix: ".dlq", source: source}
}

// PublishToDLQ publishes a message to the dead letter topic
func (p *KafkaDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	if msg == nil {
		return errors.New("DLQ message cannot be nil")
	}

	msg.MovedToDLQAt = time.Now()
	msg.Source = p.source

	headers := map[string]string{
		"content_type":   "application/json",
		"original_topic": msg.OriginalTopic,
		"error":          msg.Error,
		"attempts":       strconv.Itoa(msg.Attempts),
		"source":         msg.Source,
	}

	return p.producer.ProduceJSON(ctx, p.GetDLQTopic(msg.OriginalTopic), msg.OriginalKey, msg, headers)
}

// GetDLQTopic returns the DLQ topic name for a given original topic
func (p *KafkaDLQPublisher) GetDLQTopic(originalTopic string) string {
	return originalTopic + p.suffix
}

// NoOpDLQPublisher drops DLQ messages, used when Kafka is disabled
type NoOpDLQPublisher struct{}

// PublishToDLQ does nothing
func (NoOpDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error { return nil }

// GetDLQTopic returns the DLQ topic name
func (NoOpDLQPublisher) GetDLQTopic(originalTopic string) string { return originalTopic + ".dlq" }

// MessageContext describes the inbound message being processed
type MessageContext struct {
	ID      string
	Topic   string
	Key     string
	Payload json.RawMessage
	Headers map[string]string
}

// DLQHandler retries message processing and parks messages that still fail
type DLQHandler struct {
	retrier   *Retrier
	publisher DLQPublisher
	onDLQ     func(msg *DLQMessage)
}

// NewDLQHandler creates a new DLQ handler. onDLQ may be nil.
func NewDLQHandler(publisher DLQPublisher, config *Config, onDLQ func(msg *DLQMessage)) *DLQHandler {
	return &DLQHandler{
		retrier:   New(config),
		publisher: publisher,
		onDLQ:     onDLQ,
	}
}

// ProcessWithDLQ runs op with retries. When op still fails, the message is
// published to the DLQ and the op error is returned. A successful DLQ
// publish lets the caller commit the offset and move on.
func (h *DLQHandler) ProcessWithDLQ(ctx context.Context, msgCtx *MessageContext, op Operation) error {
	start := time.Now()

	result := h.retrier.Do(ctx, op)
	if result.Err == nil {
		return nil
	}
	if errors.Is(result.Err, ErrContextCanceled) {
		return result.Err
	}

	last := result.LastError
	if last == nil {
		last = result.Err
	}

	dlqMsg := &DLQMessage{
		ID:            msgCtx.ID,
		OriginalTopic: msgCtx.Topic,
		OriginalKey:   msgCtx.Key,
		Payload:       msgCtx.Payload,
		Headers:       msgCtx.Headers,
		Error:         last.Error(),
		Attempts:      result.Attempts,
		FirstAttempt:  start,
	}

	if h.onDLQ != nil {
		h.onDLQ(dlqMsg)
	}

	if err := h.publisher.PublishToDLQ(ctx, dlqMsg); err != nil {
		return errors.Join(fmt.Errorf("%w: %w", ErrDLQPublishFailed, err), last)
	}
	return last
}

package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus represents the status of an outbox message
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// IsValid checks if the status is a valid OutboxStatus
func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxStatusPending, OutboxStatusPublished, OutboxStatusFailed:
		return true
	}
	return false
}

// String returns the string representation of OutboxStatus
func (s OutboxStatus) String() string {
	return string(s)
}

const (
	DefaultOutboxMaxRetries = 5

	AggregateReservation = "reservation"
	AggregateBooking     = "booking"
)

// OutboxMessage is an event written in the same unit of work as the state
// change it describes, published later by the outbox worker
type OutboxMessage struct {
	ID            string       `json:"id"`
	AggregateType string       `json:"aggregate_type"`
	AggregateID   string       `json:"aggregate_id"`
	EventType     string       `json:"event_type"`
	Payload       []byte       `json:"payload"`
	Topic         string       `json:"topic"`
	PartitionKey  string       `json:"partition_key"`
	Status        OutboxStatus `json:"status"`
	RetryCount    int          `json:"retry_count"`
	MaxRetries    int          `json:"max_retries"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	PublishedAt   *time.Time   `json:"published_at,omitempty"`
}

// NewOutboxMessage creates a pending message partitioned by partitionKey
func NewOutboxMessage(aggregateType, aggregateID, eventType, topic, partitionKey string, payload interface{}) (*OutboxMessage, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payloadBytes,
		Topic:         topic,
		PartitionKey:  partitionKey,
		Status:        OutboxStatusPending,
		MaxRetries:    DefaultOutboxMaxRetries,
		CreatedAt:     time.Now(),
	}, nil
}

// CanRetry checks if the message can be retried
func (m *OutboxMessage) CanRetry() bool {
	return m.Status == OutboxStatusFailed && m.RetryCount < m.MaxRetries
}

// Exhausted checks if a failed message has used every retry
func (m *OutboxMessage) Exhausted() bool {
	return m.Status == OutboxStatusFailed && m.RetryCount >= m.MaxRetries
}

// MarkAsPublished marks the message as successfully published
func (m *OutboxMessage) MarkAsPublished(at time.Time) {
	m.Status = OutboxStatusPublished
	m.PublishedAt = &at
	m.ProcessedAt = &at
}

// MarkAsFailed records a failed publish attempt
func (m *OutboxMessage) MarkAsFailed(err string, at time.Time) {
	m.Status = OutboxStatusFailed
	m.LastError = err
	m.RetryCount++
	m.ProcessedAt = &at
}

// GetPayload unmarshals the payload into the given interface
func (m *OutboxMessage) GetPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

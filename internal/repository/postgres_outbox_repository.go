package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/seat-reservation/internal/domain"
	"github.com/prohmpiriya/seat-reservation/pkg/database"
)

// PostgresOutboxRepository implements OutboxRepository using PostgreSQL
type PostgresOutboxRepository struct {
	db         database.DBTX
	maxRetries int
}

// NewPostgresOutboxRepository creates a new PostgresOutboxRepository.
// maxRetries overrides the per-message retry budget when positive.
func NewPostgresOutboxRepository(db database.DBTX, maxRetries int) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db, maxRetries: maxRetries}
}

// Create creates a new outbox message
func (r *PostgresOutboxRepository) Create(ctx context.Context, msg *domain.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if r.maxRetries > 0 {
		msg.MaxRetries = r.maxRetries
	}

	query := `
		INSERT INTO outbox (
			id, aggregate_type, aggregate_id, event_type,
			payload, topic, partition_key, status,
			retry_count, max_retries, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := r.db.Exec(ctx, query,
		msg.ID,
		msg.AggregateType,
		msg.AggregateID,
		msg.EventType,
		msg.Payload,
		msg.Topic,
		msg.PartitionKey,
		msg.Status.String(),
		msg.RetryCount,
		msg.MaxRetries,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

// Delete removes a message
func (r *PostgresOutboxRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, "DELETE FROM outbox WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete outbox message: %w", err)
	}
	return nil
}

// GetPendingMessages gets pending messages to be published. SKIP LOCKED
// lets several workers poll without publishing the same row twice.
func (r *PostgresOutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*domain.OutboxMessage, error) {
	query := `
		SELECT
			id, aggregate_type, aggregate_id, event_type,
			payload, topic, partition_key, status,
			retry_count, max_retries, last_error,
			created_at, processed_at, published_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending messages: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows)
}

// GetFailedMessages gets failed messages that can be retried
func (r *PostgresOutboxRepository) GetFailedMessages(ctx context.Context, limit int) ([]*domain.OutboxMessage, error) {
	query := `
		SELECT
			id, aggregate_type, aggregate_id, event_type,
			payload, topic, partition_key, status,
			retry_count, max_retries, last_error,
			created_at, processed_at, published_at
		FROM outbox
		WHERE status = 'failed' AND retry_count < max_retries
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed messages: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows)
}

// MarkAsPublished marks a message as successfully published
func (r *PostgresOutboxRepository) MarkAsPublished(ctx context.Context, id string) error {
	query := `
		UPDATE outbox SET
			status = 'published',
			processed_at = $2,
			published_at = $2
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark message as published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOutboxMessageNotFound
	}
	return nil
}

// MarkAsFailed records a failed publish attempt
func (r *PostgresOutboxRepository) MarkAsFailed(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE outbox SET
			status = 'failed',
			last_error = $2,
			retry_count = retry_count + 1,
			processed_at = $3
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, errMsg, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark message as failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOutboxMessageNotFound
	}
	return nil
}

// DeletePublished deletes messages published before now-olderThan
func (r *PostgresOutboxRepository) DeletePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE status = 'published' AND published_at < $1
	`

	tag, err := r.db.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to delete published messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxMessages(rows pgx.Rows) ([]*domain.OutboxMessage, error) {
	var messages []*domain.OutboxMessage

	for rows.Next() {
		msg := &domain.OutboxMessage{}
		var (
			status    string
			lastError *string
		)

		err := rows.Scan(
			&msg.ID,
			&msg.AggregateType,
			&msg.AggregateID,
			&msg.EventType,
			&msg.Payload,
			&msg.Topic,
			&msg.PartitionKey,
			&status,
			&msg.RetryCount,
			&msg.MaxRetries,
			&lastError,
			&msg.CreatedAt,
			&msg.ProcessedAt,
			&msg.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}

		msg.Status = domain.OutboxStatus(status)
		msg.LastError = deref(lastError)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}
	return messages, nil
}

var _ OutboxRepository = (*PostgresOutboxRepository)(nil)

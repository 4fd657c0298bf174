package postgres

import (
	"context"
	"fmt"
	"time"

	"wallet-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OutboxRepo implements ports.OutboxRepository. Enqueue runs inside the
// mutation's transaction; the claim/mark methods run on the pool and are
// shared by all dispatcher instances.
type OutboxRepo struct {
	pool Pool
}

// NewOutboxRepo creates a new OutboxRepo.
func NewOutboxRepo(pool Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

const outboxColumns = `id, topic, event_type, aggregate_id, payload, created_at, status, retry_count, next_retry_at, locked_by, locked_until`

// Enqueue stages an event in the same unit of work as the ledger mutation,
// so the event exists if and only if the mutation committed.
func (r *OutboxRepo) Enqueue(ctx context.Context, tx pgx.Tx, m *domain.OutboxMessage) error {
	query := `INSERT INTO outbox_messages (` + outboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := tx.Exec(ctx, query,
		m.ID, m.Topic, m.EventType, m.AggregateID, m.Payload, m.CreatedAt,
		m.Status, m.RetryCount, m.NextRetryAt, m.LockedBy, m.LockedUntil,
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// ClaimBatch leases up to limit eligible rows for this dispatcher instance:
// pending rows, failed rows whose backoff elapsed, and processing rows whose
// lease expired (a crashed dispatcher's claim). SKIP LOCKED keeps competing
// dispatchers from blocking on each other.
func (r *OutboxRepo) ClaimBatch(ctx context.Context, instanceID string, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	now := time.Now().UTC()
	query := `UPDATE outbox_messages
		SET status = 'PROCESSING', locked_by = $1, locked_until = $2
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'PENDING'
				OR (status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= $3)
				OR (status = 'PROCESSING' AND locked_until IS NOT NULL AND locked_until < $3)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := r.pool.Query(ctx, query, instanceID, now.Add(lease), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		m := domain.OutboxMessage{}
		err := rows.Scan(
			&m.ID, &m.Topic, &m.EventType, &m.AggregateID, &m.Payload, &m.CreatedAt,
			&m.Status, &m.RetryCount, &m.NextRetryAt, &m.LockedBy, &m.LockedUntil,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return msgs, nil
}

// MarkProcessed records successful publication and releases the lease.
func (r *OutboxRepo) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox_messages
		SET status = 'PROCESSED', locked_by = NULL, locked_until = NULL
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark outbox processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox message not found: %s", id)
	}
	return nil
}

// MarkFailed records a delivery failure. A nil nextRetryAt means the message
// exhausted its attempts and stays FAILED without rescheduling.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time) error {
	query := `UPDATE outbox_messages
		SET status = 'FAILED', retry_count = $1, next_retry_at = $2, locked_by = NULL, locked_until = NULL
		WHERE id = $3`

	tag, err := r.pool.Exec(ctx, query, retryCount, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox message not found: %s", id)
	}
	return nil
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of a staged event.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusProcessed  OutboxStatus = "PROCESSED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

// OutboxMessage is a staged domain event. It is written in the same database
// transaction as the ledger mutation it describes, so an event exists if and
// only if the mutation committed. A dispatcher later leases eligible rows and
// publishes them to the bus at-least-once.
type OutboxMessage struct {
	ID          uuid.UUID    `json:"id"`
	Topic       string       `json:"topic"`
	EventType   string       `json:"event_type"`
	AggregateID string       `json:"aggregate_id"` // user id; doubles as the bus partition key
	Payload     []byte       `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
	Status      OutboxStatus `json:"status"`
	RetryCount  int          `json:"retry_count"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
	LockedBy    *string      `json:"locked_by,omitempty"`
	LockedUntil *time.Time   `json:"locked_until,omitempty"`
}

package domain

import "github.com/google/uuid"

// Event types published through the outbox.
const (
	EventTransactionCreated   = "TRANSACTION_CREATED"
	EventTransactionCommitted = "TRANSACTION_COMMITTED"
	EventTransactionCancelled = "TRANSACTION_CANCELLED"
	EventTransactionReversed  = "TRANSACTION_REVERSED"
	EventBalanceChanged       = "BALANCE_CHANGED"
	EventPromoAwarded         = "PROMO_AWARDED"
)

// TransactionCreatedEvent announces a new ledger line.
type TransactionCreatedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        uuid.UUID `json:"user_id"`
	Amount        int64     `json:"amount"`
	OperationID   string    `json:"operation_id"`
	Source        string    `json:"source"`
	TimestampMs   int64     `json:"timestamp_ms"`
}

// BalanceChangedEvent announces a committed balance movement.
type BalanceChangedEvent struct {
	UserID        uuid.UUID `json:"user_id"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Delta         int64     `json:"delta"`
	Reason        string    `json:"reason"`
}

// TransactionCommittedEvent announces phase 2 of a hold completing as a debit.
type TransactionCommittedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        uuid.UUID `json:"user_id"`
	OperationID   string    `json:"operation_id"`
}

// TransactionCancelledEvent announces a hold released without debiting.
type TransactionCancelledEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        uuid.UUID `json:"user_id"`
	OperationID   string    `json:"operation_id"`
}

// TransactionReversedEvent announces the compensation of a completed transaction.
type TransactionReversedEvent struct {
	OriginalOperationID string    `json:"original_operation_id"`
	ReversalOperationID string    `json:"reversal_operation_id"`
	UserID              uuid.UUID `json:"user_id"`
	OriginalAmount      int64     `json:"original_amount"`
	Reason              string    `json:"reason"`
}

// PromoAwardedEvent is emitted alongside promo-sourced accruals so the
// loyalty side can attribute the award.
type PromoAwardedEvent struct {
	UserID      uuid.UUID `json:"user_id"`
	Amount      int64     `json:"amount"`
	PromoID     string    `json:"promo_id"`
	OperationID string    `json:"operation_id"`
}

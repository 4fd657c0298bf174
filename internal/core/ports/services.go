package ports

import (
	"context"
	"time"

	"wallet-ledger/internal/core/domain"

	"github.com/google/uuid"
)

// BalanceCodec encrypts and decrypts stored ledger fields. Encrypt tags the
// ciphertext with the active key id; Decrypt looks the historical key up by
// id, so key rotation never breaks previously written rows.
type BalanceCodec interface {
	Encrypt(plaintext string) (ciphertext string, keyID string, err error)
	Decrypt(ciphertext string, keyID string) (string, error)
	EncryptInt64(value int64) (ciphertext string, keyID string, err error)
	DecryptInt64(ciphertext string, keyID string) (int64, error)
	ActiveKeyID() string
}

// RequestAuthenticator verifies the HMAC signature and timestamp window on an
// inbound command before any state is touched.
type RequestAuthenticator interface {
	Verify(env CommandEnvelope, amount int64) error
}

// ReplayGuard is a TTL-bounded keyed set suppressing duplicate physical
// deliveries. CheckAndSet returns true when the request id is new.
type ReplayGuard interface {
	CheckAndSet(ctx context.Context, requestID string, ttl time.Duration) (bool, error)
}

// EventPublisher hands a staged event to the external bus. Delivery is
// at-least-once; consumers must be idempotent on event identity.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte) error
}

// CommandEnvelope carries the fields shared by every inbound ledger command.
type CommandEnvelope struct {
	UserID         uuid.UUID `json:"user_id" validate:"required"`
	OperationID    string    `json:"operation_id" validate:"required,max=128"`
	RequestID      string    `json:"request_id" validate:"required,max=128"`
	Timestamp      int64     `json:"timestamp" validate:"required"` // epoch milliseconds
	Signature      string    `json:"signature" validate:"required"`
	Source         string    `json:"source"`
	SourceType     string    `json:"source_type"`
	SourceCategory string    `json:"source_category"`
}

// AccrueCommand credits (or debits, with a negative amount) a wallet directly.
type AccrueCommand struct {
	CommandEnvelope
	Amount      int64  `json:"amount" validate:"required"`
	Description string `json:"description"`
	Metadata    string `json:"metadata"` // free-form JSON; promo_id is read from here best-effort
}

// ReserveCommand earmarks funds without debiting (phase 1 of the hold).
type ReserveCommand struct {
	CommandEnvelope
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Description string `json:"description"`
	Metadata    string `json:"metadata"`
}

// CommitCommand finalizes the debit of a prior Reserve. OperationID names the
// pending transaction to commit.
type CommitCommand struct {
	CommandEnvelope
}

// CancelCommand releases a prior Reserve without debiting.
type CancelCommand struct {
	CommandEnvelope
}

// ReverseCommand compensates a completed transaction. OperationID names the
// original transaction; the reversal's own idempotency key is derived from it.
type ReverseCommand struct {
	CommandEnvelope
	Reason string `json:"reason"`
}

// LedgerResult is the structured outcome of a successful ledger operation.
type LedgerResult struct {
	TransactionID uuid.UUID                `json:"transaction_id"`
	OperationID   string                   `json:"operation_id"`
	Status        domain.TransactionStatus `json:"status"`
	Balance       int64                    `json:"balance"`
	Reserved      int64                    `json:"reserved"`
	Available     int64                    `json:"available"`
}

// BalanceSnapshot is a non-locking read of a wallet's decrypted state.
type BalanceSnapshot struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	Reserved  int64     `json:"reserved"`
	Available int64     `json:"available"`
	Version   int64     `json:"version"`
}

// LedgerService is the wallet ledger engine: five mutation protocols plus
// read-side queries. Every mutation follows the fixed step order
// authenticate -> replay-check -> idempotency-check -> lock -> mutate -> commit.
type LedgerService interface {
	Accrue(ctx context.Context, cmd AccrueCommand) (*LedgerResult, error)
	Reserve(ctx context.Context, cmd ReserveCommand) (*LedgerResult, error)
	Commit(ctx context.Context, cmd CommitCommand) (*LedgerResult, error)
	Cancel(ctx context.Context, cmd CancelCommand) (*LedgerResult, error)
	Reverse(ctx context.Context, cmd ReverseCommand) (*LedgerResult, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceSnapshot, error)
	MonthlySummary(ctx context.Context, userID uuid.UUID, year, month int) (*MonthlySummary, error)
	ListTransactions(ctx context.Context, params TransactionListParams) ([]domain.WalletTransaction, int64, error)
}

package ports

import (
	"context"
	"errors"
	"time"

	"wallet-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrStaleVersion is returned by WalletRepository.UpdateBalances when the
// optimistic version guard matched no row.
var ErrStaleVersion = errors.New("wallet version changed since read")

// WalletRepository defines persistence for wallets. Methods accepting pgx.Tx
// run inside the mutation's transaction; GetByUserIDForUpdate takes the
// exclusive per-user row lock that serializes all ledger operations on a user.
type WalletRepository interface {
	// CreateIfAbsent inserts a wallet unless one already exists for the user.
	// Safe to race: the unique user_id constraint resolves the winner.
	CreateIfAbsent(ctx context.Context, tx pgx.Tx, wallet *domain.Wallet) error
	GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	GetByUserIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*domain.Wallet, error)
	// UpdateBalances writes the encrypted balance fields and bumps Version.
	// The update is guarded on the expected version; a lost race surfaces as
	// a version conflict.
	UpdateBalances(ctx context.Context, tx pgx.Tx, wallet *domain.Wallet, expectedVersion int64) error
}

// TransactionRepository defines persistence for ledger lines.
type TransactionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, txn *domain.WalletTransaction) error
	GetByOperationID(ctx context.Context, operationID string) (*domain.WalletTransaction, error)
	// Finalize performs the single allowed Pending -> terminal update,
	// rewriting status, balance snapshots, key id and processed_at.
	Finalize(ctx context.Context, tx pgx.Tx, txn *domain.WalletTransaction) error
	List(ctx context.Context, params TransactionListParams) ([]domain.WalletTransaction, int64, error)
	MonthlySummary(ctx context.Context, userID uuid.UUID, year, month int) (*MonthlySummary, error)
}

// TransactionListParams holds filter + pagination for transaction history.
type TransactionListParams struct {
	UserID   uuid.UUID
	Status   *domain.TransactionStatus
	Source   *string
	Year     *int
	Month    *int
	Page     int
	PageSize int
}

// MonthlySummary aggregates one user's ledger activity for a Year/Month pair.
type MonthlySummary struct {
	Year              int
	Month             int
	TotalTransactions int64
	Completed         int64
	Cancelled         int64
	Failed            int64
	Pending           int64
}

// OutboxRepository defines persistence for staged events. Enqueue runs inside
// the mutation's transaction; the remaining methods belong to the dispatcher.
type OutboxRepository interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg *domain.OutboxMessage) error
	// ClaimBatch leases up to limit eligible rows (pending, failed past their
	// backoff, or processing with an expired lease) for the named dispatcher
	// instance and returns them stamped PROCESSING.
	ClaimBatch(ctx context.Context, instanceID string, limit int, lease time.Duration) ([]domain.OutboxMessage, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	// MarkFailed records a delivery failure. nextRetryAt nil means the row has
	// exhausted its attempts and stays FAILED without rescheduling.
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt *time.Time) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

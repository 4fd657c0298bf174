package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const transactionColumns = `id, user_id, operation_id, request_id, encrypted_amount,
		encrypted_balance_before, encrypted_balance_after, source, source_type, source_category,
		status, key_id, encrypted_description, encrypted_metadata, year, month,
		created_at, processed_at, error_code`

// Create inserts a new ledger line within a database transaction. The unique
// operation_id constraint enforces exactly one row per business mutation.
func (r *TransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.WalletTransaction) error {
	query := `INSERT INTO wallet_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := tx.Exec(ctx, query,
		t.ID, t.UserID, t.OperationID, t.RequestID, t.EncryptedAmount,
		t.EncryptedBalanceBefore, t.EncryptedBalanceAfter, t.Source, t.SourceType, t.SourceCategory,
		t.Status, t.KeyID, t.EncryptedDescription, t.EncryptedMetadata, t.Year, t.Month,
		t.CreatedAt, t.ProcessedAt, t.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// GetByOperationID fetches a ledger line by its idempotency key.
func (r *TransactionRepo) GetByOperationID(ctx context.Context, operationID string) (*domain.WalletTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE operation_id = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, operationID))
}

// Finalize performs the single allowed Pending -> terminal update within a
// database transaction. All ciphertext columns are rewritten together with
// key_id so the row stays decryptable after a key rotation.
func (r *TransactionRepo) Finalize(ctx context.Context, tx pgx.Tx, t *domain.WalletTransaction) error {
	query := `UPDATE wallet_transactions
		SET status = $1, encrypted_amount = $2, encrypted_balance_before = $3, encrypted_balance_after = $4,
			encrypted_description = $5, encrypted_metadata = $6, key_id = $7, processed_at = $8, error_code = $9
		WHERE id = $10`

	tag, err := tx.Exec(ctx, query,
		t.Status, t.EncryptedAmount, t.EncryptedBalanceBefore, t.EncryptedBalanceAfter,
		t.EncryptedDescription, t.EncryptedMetadata, t.KeyID, t.ProcessedAt, t.ErrorCode, t.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize wallet transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet transaction not found: %s", t.ID)
	}
	return nil
}

// List fetches transactions with filtering and pagination.
func (r *TransactionRepo) List(ctx context.Context, params ports.TransactionListParams) ([]domain.WalletTransaction, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
	args = append(args, params.UserID)
	argIdx++

	if params.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *params.Status)
		argIdx++
	}
	if params.Source != nil {
		conditions = append(conditions, fmt.Sprintf("source = $%d", argIdx))
		args = append(args, *params.Source)
		argIdx++
	}
	if params.Year != nil {
		conditions = append(conditions, fmt.Sprintf("year = $%d", argIdx))
		args = append(args, *params.Year)
		argIdx++
	}
	if params.Month != nil {
		conditions = append(conditions, fmt.Sprintf("month = $%d", argIdx))
		args = append(args, *params.Month)
		argIdx++
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM wallet_transactions %s", where)
	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count wallet transactions: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT `+transactionColumns+` FROM wallet_transactions %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.WalletTransaction
	for rows.Next() {
		t := domain.WalletTransaction{}
		if err := scanTransactionFields(rows, &t); err != nil {
			return nil, 0, fmt.Errorf("scan wallet transaction row: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate wallet transaction rows: %w", err)
	}
	return txns, total, nil
}

// MonthlySummary aggregates one user's ledger activity for a Year/Month pair.
func (r *TransactionRepo) MonthlySummary(ctx context.Context, userID uuid.UUID, year, month int) (*ports.MonthlySummary, error) {
	query := `SELECT
		COUNT(*) AS total,
		COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed,
		COUNT(*) FILTER (WHERE status = 'CANCELLED') AS cancelled,
		COUNT(*) FILTER (WHERE status = 'FAILED') AS failed,
		COUNT(*) FILTER (WHERE status = 'PENDING') AS pending
		FROM wallet_transactions WHERE user_id = $1 AND year = $2 AND month = $3`

	s := &ports.MonthlySummary{Year: year, Month: month}
	err := r.pool.QueryRow(ctx, query, userID, year, month).Scan(
		&s.TotalTransactions, &s.Completed, &s.Cancelled, &s.Failed, &s.Pending,
	)
	if err != nil {
		return nil, fmt.Errorf("monthly summary: %w", err)
	}
	return s, nil
}

func scanTransaction(row pgx.Row) (*domain.WalletTransaction, error) {
	t := &domain.WalletTransaction{}
	if err := scanTransactionFields(row, t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan wallet transaction: %w", err)
	}
	return t, nil
}

func scanTransactionFields(row pgx.Row, t *domain.WalletTransaction) error {
	return row.Scan(
		&t.ID, &t.UserID, &t.OperationID, &t.RequestID, &t.EncryptedAmount,
		&t.EncryptedBalanceBefore, &t.EncryptedBalanceAfter, &t.Source, &t.SourceType, &t.SourceCategory,
		&t.Status, &t.KeyID, &t.EncryptedDescription, &t.EncryptedMetadata, &t.Year, &t.Month,
		&t.CreatedAt, &t.ProcessedAt, &t.ErrorCode,
	)
}

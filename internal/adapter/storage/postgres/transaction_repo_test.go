package postgres

import (
	"context"
	"testing"
	"time"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransaction(userID uuid.UUID) *domain.WalletTransaction {
	return &domain.WalletTransaction{
		ID:                     uuid.New(),
		UserID:                 userID,
		OperationID:            "op-test-1",
		RequestID:              "req-test-1",
		EncryptedAmount:        "enc_amount",
		EncryptedBalanceBefore: "enc_before",
		EncryptedBalanceAfter:  "enc_after",
		Source:                 "purchase",
		SourceType:             "order",
		SourceCategory:         "retail",
		Status:                 domain.TransactionStatusPending,
		KeyID:                  "k1",
		EncryptedDescription:   "enc_desc",
		EncryptedMetadata:      "enc_meta",
		Year:                   2026,
		Month:                  8,
		CreatedAt:              time.Now().UTC().Truncate(time.Microsecond),
	}
}

func transactionTestColumns() []string {
	return []string{
		"id", "user_id", "operation_id", "request_id", "encrypted_amount",
		"encrypted_balance_before", "encrypted_balance_after", "source", "source_type", "source_category",
		"status", "key_id", "encrypted_description", "encrypted_metadata", "year", "month",
		"created_at", "processed_at", "error_code",
	}
}

func transactionRow(tr *domain.WalletTransaction) *pgxmock.Rows {
	return pgxmock.NewRows(transactionTestColumns()).AddRow(
		tr.ID, tr.UserID, tr.OperationID, tr.RequestID, tr.EncryptedAmount,
		tr.EncryptedBalanceBefore, tr.EncryptedBalanceAfter, tr.Source, tr.SourceType, tr.SourceCategory,
		tr.Status, tr.KeyID, tr.EncryptedDescription, tr.EncryptedMetadata, tr.Year, tr.Month,
		tr.CreatedAt, tr.ProcessedAt, tr.ErrorCode,
	)
}

func TestTransactionRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	tr := newTestTransaction(uuid.New())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO wallet_transactions").
		WithArgs(tr.ID, tr.UserID, tr.OperationID, tr.RequestID, tr.EncryptedAmount,
			tr.EncryptedBalanceBefore, tr.EncryptedBalanceAfter, tr.Source, tr.SourceType, tr.SourceCategory,
			tr.Status, tr.KeyID, tr.EncryptedDescription, tr.EncryptedMetadata, tr.Year, tr.Month,
			tr.CreatedAt, tr.ProcessedAt, tr.ErrorCode).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Create(context.Background(), tx, tr)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_GetByOperationID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	tr := newTestTransaction(uuid.New())

	mock.ExpectQuery("SELECT .+ FROM wallet_transactions WHERE operation_id").
		WithArgs(tr.OperationID).
		WillReturnRows(transactionRow(tr))

	result, err := repo.GetByOperationID(context.Background(), tr.OperationID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, tr.ID, result.ID)
	assert.Equal(t, tr.Status, result.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_GetByOperationID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM wallet_transactions WHERE operation_id").
		WithArgs("op-missing").
		WillReturnRows(pgxmock.NewRows(transactionTestColumns()))

	result, err := repo.GetByOperationID(context.Background(), "op-missing")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_Finalize(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	tr := newTestTransaction(uuid.New())
	tr.Status = domain.TransactionStatusCompleted
	processedAt := time.Now().UTC().Truncate(time.Microsecond)
	tr.ProcessedAt = &processedAt

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallet_transactions").
		WithArgs(tr.Status, tr.EncryptedAmount, tr.EncryptedBalanceBefore, tr.EncryptedBalanceAfter,
			tr.EncryptedDescription, tr.EncryptedMetadata, tr.KeyID, tr.ProcessedAt, tr.ErrorCode, tr.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Finalize(context.Background(), tx, tr)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_Finalize_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	tr := newTestTransaction(uuid.New())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallet_transactions").
		WithArgs(tr.Status, tr.EncryptedAmount, tr.EncryptedBalanceBefore, tr.EncryptedBalanceAfter,
			tr.EncryptedDescription, tr.EncryptedMetadata, tr.KeyID, tr.ProcessedAt, tr.ErrorCode, tr.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Finalize(context.Background(), tx, tr)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_List_WithFilters(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	userID := uuid.New()
	tr := newTestTransaction(userID)
	status := domain.TransactionStatusPending
	year := 2026

	mock.ExpectQuery("SELECT COUNT(.+) FROM wallet_transactions").
		WithArgs(userID, status, year).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT .+ FROM wallet_transactions .+ ORDER BY created_at DESC").
		WithArgs(userID, status, year, 20, 0).
		WillReturnRows(transactionRow(tr))

	txns, total, err := repo.List(context.Background(), ports.TransactionListParams{
		UserID:   userID,
		Status:   &status,
		Year:     &year,
		Page:     1,
		PageSize: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, txns, 1)
	assert.Equal(t, tr.OperationID, txns[0].OperationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepo_MonthlySummary(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTransactionRepo(mock)
	userID := uuid.New()

	mock.ExpectQuery("SELECT").
		WithArgs(userID, 2026, 8).
		WillReturnRows(pgxmock.NewRows([]string{"total", "completed", "cancelled", "failed", "pending"}).
			AddRow(int64(10), int64(6), int64(2), int64(1), int64(1)))

	summary, err := repo.MonthlySummary(context.Background(), userID, 2026, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(10), summary.TotalTransactions)
	assert.Equal(t, int64(6), summary.Completed)
	assert.Equal(t, int64(2), summary.Cancelled)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, int64(1), summary.Pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WalletRepo implements ports.WalletRepository.
type WalletRepo struct {
	pool Pool
}

// NewWalletRepo creates a new WalletRepo.
func NewWalletRepo(pool Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

const walletColumns = `id, user_id, encrypted_balance, encrypted_reserved_balance, balance_key_id, version, created_at, updated_at`

// CreateIfAbsent inserts a wallet unless one exists for the user. Concurrent
// first accruals race here; the unique user_id constraint picks the winner
// and the loser simply re-reads under the lock.
func (r *WalletRepo) CreateIfAbsent(ctx context.Context, tx pgx.Tx, w *domain.Wallet) error {
	query := `INSERT INTO wallets (id, user_id, encrypted_balance, encrypted_reserved_balance, balance_key_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING`

	_, err := tx.Exec(ctx, query,
		w.ID, w.UserID, w.EncryptedBalance, w.EncryptedReservedBalance,
		w.BalanceKeyID, w.Version, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// GetByUserID fetches a wallet without locking.
func (r *WalletRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	return scanWallet(r.pool.QueryRow(ctx, query, userID))
}

// GetByUserIDForUpdate fetches a wallet with an exclusive row lock. This is
// the single mutual-exclusion point of the ledger: operations on the same
// user serialize here while unrelated users proceed concurrently.
// MUST be called within a transaction.
func (r *WalletRepo) GetByUserIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 FOR UPDATE`
	return scanWallet(tx.QueryRow(ctx, query, userID))
}

// UpdateBalances writes the encrypted balance fields, bumping Version. The
// expected version guards the write; zero rows affected means a lost race.
func (r *WalletRepo) UpdateBalances(ctx context.Context, tx pgx.Tx, w *domain.Wallet, expectedVersion int64) error {
	query := `UPDATE wallets
		SET encrypted_balance = $1, encrypted_reserved_balance = $2, balance_key_id = $3,
			version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5`

	tag, err := tx.Exec(ctx, query,
		w.EncryptedBalance, w.EncryptedReservedBalance, w.BalanceKeyID,
		w.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update wallet balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrStaleVersion
	}
	return nil
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	w := &domain.Wallet{}
	err := row.Scan(
		&w.ID, &w.UserID, &w.EncryptedBalance, &w.EncryptedReservedBalance,
		&w.BalanceKeyID, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	return w, nil
}

package service

import (
	"context"
	"fmt"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/pkg/apperror"

	"github.com/google/uuid"
)

// GetBalance reads a wallet's decrypted state without locking. The snapshot
// carries the version it was read at.
func (s *LedgerServiceImpl) GetBalance(ctx context.Context, userID uuid.UUID) (*ports.BalanceSnapshot, error) {
	wallet, err := s.walletRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("read wallet: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrWalletNotFound()
	}

	balance, reserved, err := s.decryptWallet(wallet)
	if err != nil {
		return nil, err
	}

	return &ports.BalanceSnapshot{
		UserID:    userID,
		Balance:   balance,
		Reserved:  reserved,
		Available: balance - reserved,
		Version:   wallet.Version,
	}, nil
}

// MonthlySummary aggregates one user's ledger activity for a Year/Month pair.
func (s *LedgerServiceImpl) MonthlySummary(ctx context.Context, userID uuid.UUID, year, month int) (*ports.MonthlySummary, error) {
	if month < 1 || month > 12 {
		return nil, apperror.ErrInvalidCommand(fmt.Sprintf("month out of range: %d", month))
	}
	summary, err := s.txRepo.MonthlySummary(ctx, userID, year, month)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("monthly summary: %w", err))
	}
	return summary, nil
}

// ListTransactions returns a filtered, paginated page of the user's ledger
// lines plus the total match count.
func (s *LedgerServiceImpl) ListTransactions(ctx context.Context, params ports.TransactionListParams) ([]domain.WalletTransaction, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}
	txns, total, err := s.txRepo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.InternalError(fmt.Errorf("list transactions: %w", err))
	}
	return txns, total, nil
}

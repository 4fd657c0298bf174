package service

import (
	"context"
	"fmt"
	"time"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/pkg/apperror"
)

// Commit finalizes the debit of a prior Reserve: the held amount leaves both
// the balance and the reserve in one step.
func (s *LedgerServiceImpl) Commit(ctx context.Context, cmd ports.CommitCommand) (*ports.LedgerResult, error) {
	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.gate(ctx, cmd.CommandEnvelope, 0); err != nil {
		return nil, err
	}

	pending, err := s.txRepo.GetByOperationID(ctx, cmd.OperationID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("idempotency lookup: %w", err))
	}
	if pending == nil {
		return nil, apperror.ErrPendingTransactionNotFound()
	}
	if pending.Status == domain.TransactionStatusCompleted {
		// Already committed: a retried Commit is a success, not a conflict.
		return s.resultFromExisting(ctx, pending)
	}
	if pending.Status != domain.TransactionStatusPending {
		return nil, apperror.ErrPendingTransactionNotFound()
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, dbTx, pending.UserID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock wallet: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrWalletNotFound()
	}

	// Re-read under the lock: a concurrent Commit/Cancel may have finalized
	// the row between the pre-check and the lock acquisition.
	pending, err = s.txRepo.GetByOperationID(ctx, cmd.OperationID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("re-read transaction: %w", err))
	}
	if pending == nil {
		return nil, apperror.ErrPendingTransactionNotFound()
	}
	if pending.Status == domain.TransactionStatusCompleted {
		return s.resultFromExisting(ctx, pending)
	}
	if pending.Status != domain.TransactionStatusPending {
		return nil, apperror.ErrPendingTransactionNotFound()
	}

	balance, reserved, err := s.decryptWallet(wallet)
	if err != nil {
		return nil, err
	}
	amount, err := s.codec.DecryptInt64(pending.EncryptedAmount, pending.KeyID)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt held amount: %w", err))
	}

	newBalance := balance - amount
	newReserved := reserved - amount
	if newBalance < 0 || newReserved < 0 || newBalance < newReserved {
		return nil, apperror.InternalError(fmt.Errorf(
			"ledger inconsistency committing %s: balance=%d reserved=%d amount=%d",
			cmd.OperationID, balance, reserved, amount))
	}

	if err := s.persistWallet(ctx, dbTx, wallet, newBalance, newReserved); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.sealFinalized(pending, amount, balance, newBalance, domain.TransactionStatusCompleted, now); err != nil {
		return nil, err
	}
	if err := s.txRepo.Finalize(ctx, dbTx, pending); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("finalize transaction: %w", err))
	}

	if err := s.enqueueEvent(ctx, dbTx, domain.EventBalanceChanged, pending.UserID, domain.BalanceChangedEvent{
		UserID:        pending.UserID,
		BalanceBefore: balance,
		BalanceAfter:  newBalance,
		Delta:         -amount,
		Reason:        "commit",
	}); err != nil {
		return nil, err
	}
	if err := s.enqueueEvent(ctx, dbTx, domain.EventTransactionCreated, pending.UserID, domain.TransactionCreatedEvent{
		TransactionID: pending.ID,
		UserID:        pending.UserID,
		Amount:        amount,
		OperationID:   pending.OperationID,
		Source:        pending.Source,
		TimestampMs:   now.UnixMilli(),
	}); err != nil {
		return nil, err
	}
	if err := s.enqueueEvent(ctx, dbTx, domain.EventTransactionCommitted, pending.UserID, domain.TransactionCommittedEvent{
		TransactionID: pending.ID,
		UserID:        pending.UserID,
		OperationID:   pending.OperationID,
	}); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("operation_id", cmd.OperationID).
		Str("user_id", pending.UserID.String()).
		Int64("amount", amount).
		Int64("balance", newBalance).
		Msg("reservation committed")

	return &ports.LedgerResult{
		TransactionID: pending.ID,
		OperationID:   pending.OperationID,
		Status:        domain.TransactionStatusCompleted,
		Balance:       newBalance,
		Reserved:      newReserved,
		Available:     newBalance - newReserved,
	}, nil
}

// Cancel releases a prior Reserve without debiting: the held amount returns
// to the available pool and the balance is untouched.
func (s *LedgerServiceImpl) Cancel(ctx context.Context, cmd ports.CancelCommand) (*ports.LedgerResult, error) {
	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.gate(ctx, cmd.CommandEnvelope, 0); err != nil {
		return nil, err
	}

	pending, err := s.txRepo.GetByOperationID(ctx, cmd.OperationID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("idempotency lookup: %w", err))
	}
	if pending == nil {
		return nil, apperror.ErrPendingTransactionNotFound()
	}
	if pending.Status == domain.TransactionStatusCancelled {
		return s.resultFromExisting(ctx, pending)
	}
	if pending.Status != domain.TransactionStatusPending {
		return nil, apperror.ErrPendingTransactionNotFound()
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, dbTx, pending.UserID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock wallet: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrWalletNotFound()
	}

	pending, err = s.txRepo.GetByOperationID(ctx, cmd.OperationID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("re-read transaction: %w", err))
	}
	if pending == nil {
		return nil, apperror.ErrPendingTransactionNotFound()
	}
	if pending.Status == domain.TransactionStatusCancelled {
		return s.resultFromExisting(ctx, pending)
	}
	if pending.Status != domain.TransactionStatusPending {
		return nil, apperror.ErrPendingTransactionNotFound()
	}

	balance, reserved, err := s.decryptWallet(wallet)
	if err != nil {
		return nil, err
	}
	amount, err := s.codec.DecryptInt64(pending.EncryptedAmount, pending.KeyID)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt held amount: %w", err))
	}

	newReserved := reserved - amount
	if newReserved < 0 {
		return nil, apperror.InternalError(fmt.Errorf(
			"ledger inconsistency cancelling %s: reserved=%d amount=%d",
			cmd.OperationID, reserved, amount))
	}

	if err := s.persistWallet(ctx, dbTx, wallet, balance, newReserved); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.sealFinalized(pending, amount, balance, balance, domain.TransactionStatusCancelled, now); err != nil {
		return nil, err
	}
	if err := s.txRepo.Finalize(ctx, dbTx, pending); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("finalize transaction: %w", err))
	}

	if err := s.enqueueEvent(ctx, dbTx, domain.EventTransactionCancelled, pending.UserID, domain.TransactionCancelledEvent{
		TransactionID: pending.ID,
		UserID:        pending.UserID,
		OperationID:   pending.OperationID,
	}); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("operation_id", cmd.OperationID).
		Str("user_id", pending.UserID.String()).
		Int64("amount", amount).
		Msg("reservation cancelled")

	return &ports.LedgerResult{
		TransactionID: pending.ID,
		OperationID:   pending.OperationID,
		Status:        domain.TransactionStatusCancelled,
		Balance:       balance,
		Reserved:      newReserved,
		Available:     balance - newReserved,
	}, nil
}

// Reverse compensates a completed transaction with an opposite-signed ledger
// line. The reversal's idempotency key is derived from the original operation
// id, so retries collapse onto one compensation.
func (s *LedgerServiceImpl) Reverse(ctx context.Context, cmd ports.ReverseCommand) (*ports.LedgerResult, error) {
	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.gate(ctx, cmd.CommandEnvelope, 0); err != nil {
		return nil, err
	}

	revOpID := domain.ReversalOperationID(cmd.OperationID)
	existing, err := s.txRepo.GetByOperationID(ctx, revOpID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("idempotency lookup: %w", err))
	}
	if existing != nil {
		return s.resultFromExisting(ctx, existing)
	}

	original, err := s.txRepo.GetByOperationID(ctx, cmd.OperationID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("original lookup: %w", err))
	}
	if original == nil || original.Status != domain.TransactionStatusCompleted {
		return nil, apperror.ErrTransactionNotFound()
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, dbTx, original.UserID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock wallet: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrWalletNotFound()
	}

	// Re-read under the lock: a concurrent Reverse may have won the race.
	existing, err = s.txRepo.GetByOperationID(ctx, revOpID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("re-read reversal: %w", err))
	}
	if existing != nil {
		return s.resultFromExisting(ctx, existing)
	}

	balance, reserved, err := s.decryptWallet(wallet)
	if err != nil {
		return nil, err
	}
	origAmount, err := s.codec.DecryptInt64(original.EncryptedAmount, original.KeyID)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt original amount: %w", err))
	}

	newBalance := balance - origAmount
	// Reversing a credit the user already spent, or spent down into the held
	// range, cannot be absorbed.
	if newBalance < 0 || newBalance < reserved {
		return nil, apperror.ErrInsufficientFundsForReversal()
	}

	if err := s.persistWallet(ctx, dbTx, wallet, newBalance, reserved); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	env := cmd.CommandEnvelope
	env.OperationID = revOpID
	env.Source = domain.SourceReversal
	env.SourceType = original.SourceType
	env.SourceCategory = original.SourceCategory
	metadata := fmt.Sprintf(`{"original_operation_id":%q}`, cmd.OperationID)

	txn, err := s.buildTransaction(env, -origAmount, balance, newBalance,
		domain.TransactionStatusCompleted, cmd.Reason, metadata, now, &now)
	if err != nil {
		return nil, err
	}
	if err := s.txRepo.Create(ctx, dbTx, txn); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create reversal transaction: %w", err))
	}

	if err := s.enqueueEvent(ctx, dbTx, domain.EventTransactionCreated, original.UserID, domain.TransactionCreatedEvent{
		TransactionID: txn.ID,
		UserID:        original.UserID,
		Amount:        -origAmount,
		OperationID:   revOpID,
		Source:        domain.SourceReversal,
		TimestampMs:   now.UnixMilli(),
	}); err != nil {
		return nil, err
	}
	if err := s.enqueueEvent(ctx, dbTx, domain.EventTransactionReversed, original.UserID, domain.TransactionReversedEvent{
		OriginalOperationID: cmd.OperationID,
		ReversalOperationID: revOpID,
		UserID:              original.UserID,
		OriginalAmount:      origAmount,
		Reason:              cmd.Reason,
	}); err != nil {
		return nil, err
	}
	if err := s.enqueueEvent(ctx, dbTx, domain.EventBalanceChanged, original.UserID, domain.BalanceChangedEvent{
		UserID:        original.UserID,
		BalanceBefore: balance,
		BalanceAfter:  newBalance,
		Delta:         -origAmount,
		Reason:        "reverse",
	}); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("operation_id", cmd.OperationID).
		Str("reversal_operation_id", revOpID).
		Str("user_id", original.UserID.String()).
		Int64("amount", -origAmount).
		Msg("transaction reversed")

	return &ports.LedgerResult{
		TransactionID: txn.ID,
		OperationID:   revOpID,
		Status:        domain.TransactionStatusCompleted,
		Balance:       newBalance,
		Reserved:      reserved,
		Available:     newBalance - reserved,
	}, nil
}

// sealFinalized re-encrypts the row's ciphertext fields under the active key
// and stamps the terminal state.
func (s *LedgerServiceImpl) sealFinalized(txn *domain.WalletTransaction, amount, balanceBefore, balanceAfter int64, status domain.TransactionStatus, processedAt time.Time) error {
	encAmount, keyID, err := s.codec.EncryptInt64(amount)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt amount: %w", err))
	}
	encBefore, _, err := s.codec.EncryptInt64(balanceBefore)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt balance before: %w", err))
	}
	encAfter, _, err := s.codec.EncryptInt64(balanceAfter)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt balance after: %w", err))
	}

	// Description and metadata migrate to the active key along with the rest
	// of the row; a single key_id covers every ciphertext column.
	description, err := s.codec.Decrypt(txn.EncryptedDescription, txn.KeyID)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("decrypt description: %w", err))
	}
	encDescription, _, err := s.codec.Encrypt(description)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt description: %w", err))
	}
	metadata, err := s.codec.Decrypt(txn.EncryptedMetadata, txn.KeyID)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("decrypt metadata: %w", err))
	}
	encMetadata, _, err := s.codec.Encrypt(metadata)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt metadata: %w", err))
	}

	txn.Status = status
	txn.EncryptedAmount = encAmount
	txn.EncryptedBalanceBefore = encBefore
	txn.EncryptedBalanceAfter = encAfter
	txn.EncryptedDescription = encDescription
	txn.EncryptedMetadata = encMetadata
	txn.KeyID = keyID
	txn.ProcessedAt = &processedAt
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/pkg/apperror"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// LedgerServiceImpl implements ports.LedgerService. Every mutation follows
// the fixed step order: validate -> authenticate -> replay-check ->
// idempotency-check -> lock wallet row -> decrypt/compute/re-encrypt ->
// persist wallet + transaction + outbox in one unit of work -> commit.
// No arithmetic happens outside the lock.
type LedgerServiceImpl struct {
	walletRepo ports.WalletRepository
	txRepo     ports.TransactionRepository
	outboxRepo ports.OutboxRepository
	transactor ports.DBTransactor
	codec      ports.BalanceCodec
	auth       ports.RequestAuthenticator
	replay     ports.ReplayGuard
	validate   *validator.Validate
	topic      string
	window     time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewLedgerService creates a new LedgerServiceImpl. topic is the outbox
// destination for ledger events; window is the signature window, reused as
// the replay marker TTL.
func NewLedgerService(
	walletRepo ports.WalletRepository,
	txRepo ports.TransactionRepository,
	outboxRepo ports.OutboxRepository,
	transactor ports.DBTransactor,
	codec ports.BalanceCodec,
	auth ports.RequestAuthenticator,
	replay ports.ReplayGuard,
	topic string,
	window time.Duration,
	log zerolog.Logger,
) *LedgerServiceImpl {
	return &LedgerServiceImpl{
		walletRepo: walletRepo,
		txRepo:     txRepo,
		outboxRepo: outboxRepo,
		transactor: transactor,
		codec:      codec,
		auth:       auth,
		replay:     replay,
		validate:   validator.New(),
		topic:      topic,
		window:     window,
		log:        log,
		now:        time.Now,
	}
}

// Accrue credits (or debits, with a negative amount) a wallet directly,
// creating the wallet on first use.
func (s *LedgerServiceImpl) Accrue(ctx context.Context, cmd ports.AccrueCommand) (*ports.LedgerResult, error) {
	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.gate(ctx, cmd.CommandEnvelope, cmd.Amount); err != nil {
		return nil, err
	}

	existing, err := s.txRepo.GetByOperationID(ctx, cmd.OperationID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("idempotency lookup: %w", err))
	}
	if existing != nil {
		return s.resultFromExisting(ctx, existing)
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	wallet, err := s.lockOrCreateWallet(ctx, dbTx, cmd.UserID)
	if err != nil {
		return nil, err
	}

	balance, reserved, err := s.decryptWallet(wallet)
	if err != nil {
		return nil, err
	}

	newBalance := balance + cmd.Amount
	// A debit may not drive the balance negative nor eat into held funds.
	if newBalance < 0 || newBalance < reserved {
		return nil, apperror.ErrInsufficientFunds(balance - reserved)
	}

	now := s.now().UTC()
	effective := now
	if cmd.Source == domain.SourceAdminBackdate {
		effective = time.UnixMilli(cmd.Timestamp).UTC()
	}

	if err := s.persistWallet(ctx, dbTx, wallet, newBalance, reserved); err != nil {
		return nil, err
	}

	txn, err := s.buildTransaction(cmd.CommandEnvelope, cmd.Amount, balance, newBalance,
		domain.TransactionStatusCompleted, cmd.Description, cmd.Metadata, effective, &now)
	if err != nil {
		return nil, err
	}
	if err := s.txRepo.Create(ctx, dbTx, txn); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create transaction: %w", err))
	}

	if err := s.enqueueEvent(ctx, dbTx, domain.EventTransactionCreated, cmd.UserID, domain.TransactionCreatedEvent{
		TransactionID: txn.ID,
		UserID:        cmd.UserID,
		Amount:        cmd.Amount,
		OperationID:   cmd.OperationID,
		Source:        cmd.Source,
		TimestampMs:   effective.UnixMilli(),
	}); err != nil {
		return nil, err
	}
	if err := s.enqueueEvent(ctx, dbTx, domain.EventBalanceChanged, cmd.UserID, domain.BalanceChangedEvent{
		UserID:        cmd.UserID,
		BalanceBefore: balance,
		BalanceAfter:  newBalance,
		Delta:         cmd.Amount,
		Reason:        "accrue",
	}); err != nil {
		return nil, err
	}
	if cmd.Source == domain.SourcePromo {
		if err := s.enqueueEvent(ctx, dbTx, domain.EventPromoAwarded, cmd.UserID, domain.PromoAwardedEvent{
			UserID:      cmd.UserID,
			Amount:      cmd.Amount,
			PromoID:     promoIDFromMetadata(cmd.Metadata),
			OperationID: cmd.OperationID,
		}); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("operation_id", cmd.OperationID).
		Str("user_id", cmd.UserID.String()).
		Int64("amount", cmd.Amount).
		Int64("balance", newBalance).
		Msg("accrual applied")

	return &ports.LedgerResult{
		TransactionID: txn.ID,
		OperationID:   cmd.OperationID,
		Status:        domain.TransactionStatusCompleted,
		Balance:       newBalance,
		Reserved:      reserved,
		Available:     newBalance - reserved,
	}, nil
}

// Reserve earmarks funds without debiting: phase 1 of the hold protocol.
// Reserve never creates a wallet.
func (s *LedgerServiceImpl) Reserve(ctx context.Context, cmd ports.ReserveCommand) (*ports.LedgerResult, error) {
	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.gate(ctx, cmd.CommandEnvelope, cmd.Amount); err != nil {
		return nil, err
	}

	existing, err := s.txRepo.GetByOperationID(ctx, cmd.OperationID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("idempotency lookup: %w", err))
	}
	if existing != nil {
		// The hold is already in place; report the current availability.
		return s.currentResult(ctx, existing)
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, dbTx, cmd.UserID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock wallet: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrWalletNotFound()
	}

	balance, reserved, err := s.decryptWallet(wallet)
	if err != nil {
		return nil, err
	}

	available := balance - reserved
	if available < cmd.Amount {
		return nil, apperror.ErrInsufficientFunds(available)
	}
	newReserved := reserved + cmd.Amount

	if err := s.persistWallet(ctx, dbTx, wallet, balance, newReserved); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	// A hold does not move the balance: before == after.
	txn, err := s.buildTransaction(cmd.CommandEnvelope, cmd.Amount, balance, balance,
		domain.TransactionStatusPending, cmd.Description, cmd.Metadata, now, nil)
	if err != nil {
		return nil, err
	}
	if err := s.txRepo.Create(ctx, dbTx, txn); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create transaction: %w", err))
	}

	if err := s.enqueueEvent(ctx, dbTx, domain.EventTransactionCreated, cmd.UserID, domain.TransactionCreatedEvent{
		TransactionID: txn.ID,
		UserID:        cmd.UserID,
		Amount:        cmd.Amount,
		OperationID:   cmd.OperationID,
		Source:        cmd.Source,
		TimestampMs:   now.UnixMilli(),
	}); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("operation_id", cmd.OperationID).
		Str("user_id", cmd.UserID.String()).
		Int64("amount", cmd.Amount).
		Int64("available", balance-newReserved).
		Msg("funds reserved")

	return &ports.LedgerResult{
		TransactionID: txn.ID,
		OperationID:   cmd.OperationID,
		Status:        domain.TransactionStatusPending,
		Balance:       balance,
		Reserved:      newReserved,
		Available:     balance - newReserved,
	}, nil
}

// ---- shared discipline helpers ----

func (s *LedgerServiceImpl) validateCommand(cmd any) error {
	if err := s.validate.Struct(cmd); err != nil {
		return apperror.ErrInvalidCommand(err.Error())
	}
	return nil
}

// gate runs the pre-mutation checks: signature + window, then the replay
// marker. Both reject before any state is touched.
func (s *LedgerServiceImpl) gate(ctx context.Context, env ports.CommandEnvelope, amount int64) error {
	if err := s.auth.Verify(env, amount); err != nil {
		return err
	}
	fresh, err := s.replay.CheckAndSet(ctx, env.RequestID, s.window)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("replay check: %w", err))
	}
	if !fresh {
		return apperror.ErrReplayDetected()
	}
	return nil
}

// lockOrCreateWallet locks the user's wallet row, creating it lazily with
// zero balances on first accrual. The insert is race-safe; whoever loses the
// insert race still locks the winner's row.
func (s *LedgerServiceImpl) lockOrCreateWallet(ctx context.Context, dbTx pgx.Tx, userID uuid.UUID) (*domain.Wallet, error) {
	wallet, err := s.walletRepo.GetByUserIDForUpdate(ctx, dbTx, userID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock wallet: %w", err))
	}
	if wallet != nil {
		return wallet, nil
	}

	encZeroBalance, keyID, err := s.codec.EncryptInt64(0)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(err)
	}
	encZeroReserved, _, err := s.codec.EncryptInt64(0)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(err)
	}

	now := s.now().UTC()
	fresh := &domain.Wallet{
		ID:                       uuid.New(),
		UserID:                   userID,
		EncryptedBalance:         encZeroBalance,
		EncryptedReservedBalance: encZeroReserved,
		BalanceKeyID:             keyID,
		Version:                  1,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := s.walletRepo.CreateIfAbsent(ctx, dbTx, fresh); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create wallet: %w", err))
	}

	wallet, err = s.walletRepo.GetByUserIDForUpdate(ctx, dbTx, userID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock wallet after create: %w", err))
	}
	if wallet == nil {
		return nil, apperror.InternalError(fmt.Errorf("wallet vanished after create for user %s", userID))
	}
	return wallet, nil
}

func (s *LedgerServiceImpl) decryptWallet(w *domain.Wallet) (balance, reserved int64, err error) {
	balance, err = s.codec.DecryptInt64(w.EncryptedBalance, w.BalanceKeyID)
	if err != nil {
		return 0, 0, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt balance: %w", err))
	}
	reserved, err = s.codec.DecryptInt64(w.EncryptedReservedBalance, w.BalanceKeyID)
	if err != nil {
		return 0, 0, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt reserved balance: %w", err))
	}
	return balance, reserved, nil
}

// persistWallet re-encrypts both balances under the active key and writes
// them, bumping Version.
func (s *LedgerServiceImpl) persistWallet(ctx context.Context, dbTx pgx.Tx, w *domain.Wallet, balance, reserved int64) error {
	encBalance, keyID, err := s.codec.EncryptInt64(balance)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt balance: %w", err))
	}
	encReserved, _, err := s.codec.EncryptInt64(reserved)
	if err != nil {
		return apperror.ErrEncryptionFailure(fmt.Errorf("encrypt reserved balance: %w", err))
	}

	expectedVersion := w.Version
	w.EncryptedBalance = encBalance
	w.EncryptedReservedBalance = encReserved
	w.BalanceKeyID = keyID

	if err := s.walletRepo.UpdateBalances(ctx, dbTx, w, expectedVersion); err != nil {
		if errors.Is(err, ports.ErrStaleVersion) {
			return apperror.ErrVersionConflict()
		}
		return apperror.InternalError(fmt.Errorf("update wallet: %w", err))
	}
	w.Version = expectedVersion + 1
	return nil
}

func (s *LedgerServiceImpl) buildTransaction(
	env ports.CommandEnvelope,
	amount, balanceBefore, balanceAfter int64,
	status domain.TransactionStatus,
	description, metadata string,
	effective time.Time,
	processedAt *time.Time,
) (*domain.WalletTransaction, error) {
	encAmount, keyID, err := s.codec.EncryptInt64(amount)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("encrypt amount: %w", err))
	}
	encBefore, _, err := s.codec.EncryptInt64(balanceBefore)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("encrypt balance before: %w", err))
	}
	encAfter, _, err := s.codec.EncryptInt64(balanceAfter)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("encrypt balance after: %w", err))
	}
	encDescription, _, err := s.codec.Encrypt(description)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("encrypt description: %w", err))
	}
	encMetadata, _, err := s.codec.Encrypt(metadata)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("encrypt metadata: %w", err))
	}

	return &domain.WalletTransaction{
		ID:                     uuid.New(),
		UserID:                 env.UserID,
		OperationID:            env.OperationID,
		RequestID:              env.RequestID,
		EncryptedAmount:        encAmount,
		EncryptedBalanceBefore: encBefore,
		EncryptedBalanceAfter:  encAfter,
		Source:                 env.Source,
		SourceType:             env.SourceType,
		SourceCategory:         env.SourceCategory,
		Status:                 status,
		KeyID:                  keyID,
		EncryptedDescription:   encDescription,
		EncryptedMetadata:      encMetadata,
		Year:                   effective.Year(),
		Month:                  int(effective.Month()),
		CreatedAt:              s.now().UTC(),
		ProcessedAt:            processedAt,
	}, nil
}

// enqueueEvent stages one domain event inside the mutation's unit of work.
func (s *LedgerServiceImpl) enqueueEvent(ctx context.Context, dbTx pgx.Tx, eventType string, userID uuid.UUID, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("marshal %s event: %w", eventType, err))
	}
	msg := &domain.OutboxMessage{
		ID:          uuid.New(),
		Topic:       s.topic,
		EventType:   eventType,
		AggregateID: userID.String(),
		Payload:     body,
		CreatedAt:   s.now().UTC(),
		Status:      domain.OutboxStatusPending,
	}
	if err := s.outboxRepo.Enqueue(ctx, dbTx, msg); err != nil {
		return apperror.InternalError(fmt.Errorf("enqueue %s event: %w", eventType, err))
	}
	return nil
}

// resultFromExisting short-circuits a retried operation to success using the
// stored post-state of its ledger line. No new event is published.
func (s *LedgerServiceImpl) resultFromExisting(ctx context.Context, txn *domain.WalletTransaction) (*ports.LedgerResult, error) {
	balance, err := s.codec.DecryptInt64(txn.EncryptedBalanceAfter, txn.KeyID)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt stored balance: %w", err))
	}

	reserved := int64(0)
	wallet, err := s.walletRepo.GetByUserID(ctx, txn.UserID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("read wallet: %w", err))
	}
	if wallet != nil {
		reserved, err = s.codec.DecryptInt64(wallet.EncryptedReservedBalance, wallet.BalanceKeyID)
		if err != nil {
			return nil, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt reserved balance: %w", err))
		}
	}

	s.log.Debug().
		Str("operation_id", txn.OperationID).
		Str("status", string(txn.Status)).
		Msg("idempotent replay of completed operation")

	return &ports.LedgerResult{
		TransactionID: txn.ID,
		OperationID:   txn.OperationID,
		Status:        txn.Status,
		Balance:       balance,
		Reserved:      reserved,
		Available:     balance - reserved,
	}, nil
}

// currentResult answers a retried Reserve with the wallet's live state.
func (s *LedgerServiceImpl) currentResult(ctx context.Context, txn *domain.WalletTransaction) (*ports.LedgerResult, error) {
	wallet, err := s.walletRepo.GetByUserID(ctx, txn.UserID)
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
	return &ports.LedgerResult{
		TransactionID: txn.ID,
		OperationID:   txn.OperationID,
		Status:        txn.Status,
		Balance:       balance,
		Reserved:      reserved,
		Available:     balance - reserved,
	}, nil
}

// promoIDFromMetadata extracts promo_id from free-form metadata JSON.
// Fail-open: annotation data must never fail a financial operation.
func promoIDFromMetadata(metadata string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(metadata), &m); err != nil {
		return "unknown"
	}
	if id, ok := m["promo_id"].(string); ok && id != "" {
		return id
	}
	return "unknown"
}

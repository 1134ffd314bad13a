package transaction

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/limits"
)

var (
	// ErrNotOwner reports a caller acting on a wallet they do not own.
	ErrNotOwner = errors.New("not the wallet owner")

	// ErrCurrencyMismatch reports a transaction whose currency differs from an
	// involved wallet's currency.
	ErrCurrencyMismatch = errors.New("currency does not match wallet")
)

// ValidationError reports a request that never reached the ledger.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError reports a source wallet that cannot cover amount
// plus fee.
type InsufficientBalanceError struct {
	WalletID  uuid.UUID
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("wallet %s holds %s, requested %s", e.WalletID, e.Balance, e.Requested)
}

// WalletNotActiveError reports a posting touching a suspended or closed wallet.
type WalletNotActiveError struct {
	WalletID uuid.UUID
	Status   string
}

func (e *WalletNotActiveError) Error() string {
	return fmt.Sprintf("wallet %s is %s", e.WalletID, e.Status)
}

// rejected reports whether err is a business rejection that should be recorded
// as a FAILED transaction claiming the idempotency key.
func rejected(err error) bool {
	var (
		insufficient *InsufficientBalanceError
		notActive    *WalletNotActiveError
	)
	if errors.As(err, &insufficient) || errors.As(err, &notActive) {
		return true
	}
	if errors.Is(err, ErrCurrencyMismatch) {
		return true
	}
	var exceeded *limits.ExceededError
	return errors.As(err, &exceeded)
}

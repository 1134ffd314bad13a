package wallet

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	StatusActive    = "ACTIVE"
	StatusSuspended = "SUSPENDED"
	StatusClosed    = "CLOSED"
)

// Wallet is a customer's stored-value account. Balance is the authoritative
// spendable amount; the ledger holds the full history it must reconcile to.
type Wallet struct {
	ID           uuid.UUID       `json:"id"`
	CustomerID   uuid.UUID       `json:"customer_id"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	Balance      decimal.Decimal `json:"balance"`
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Snapshot is the cached balance view served on the read path.
type Snapshot struct {
	WalletID  uuid.UUID       `json:"wallet_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updated_at"`
}

var (
	ErrNotFound = errors.New("wallet not found")

	// ErrExists reports that the customer already holds a wallet in the
	// requested currency.
	ErrExists = errors.New("wallet already exists for customer and currency")

	// ErrEffectApplied reports that a transaction's balance effect has
	// already been applied to the wallet; redelivered events hit this.
	ErrEffectApplied = errors.New("transaction effect already applied")

	// ErrBalanceBelowZero reports that applying an effect would drive the
	// balance negative. Balances are never clamped.
	ErrBalanceBelowZero = errors.New("wallet balance would go below zero")
)

// Package ledger is the source of truth for money movement. Every transaction
// is persisted together with a balanced set of double-entry records and the
// outbox events announcing it, in one atomic unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/limits"
)

type TransactionType string

const (
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypeTransfer   TransactionType = "TRANSFER"
)

// Valid reports whether t is one of the supported transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeTransfer:
		return true
	}
	return false
}

type Status string

// Postings settle atomically, so this engine only ever writes COMPLETED or
// FAILED; PENDING and CANCELLED exist for rails that settle asynchronously.
const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

type EntryDirection string

const (
	DirectionDebit  EntryDirection = "DEBIT"
	DirectionCredit EntryDirection = "CREDIT"
)

// System account labels. Wallet accounts are derived with WalletAccount.
const (
	CashAccount = "CASH_ACCOUNT"
	FeeAccount  = "FEE_ACCOUNT"
)

// WalletAccount returns the ledger account label backing a wallet.
func WalletAccount(walletID uuid.UUID) string {
	return "WALLET_" + walletID.String()
}

// Transaction is one money movement. Source and destination are nil for the
// cash side of deposits and withdrawals.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Type           TransactionType   `json:"type"`
	Status         Status            `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	Fee            decimal.Decimal   `json:"fee"`
	Currency       string            `json:"currency"`
	SourceWalletID *uuid.UUID        `json:"source_wallet_id,omitempty"`
	DestWalletID   *uuid.UUID        `json:"dest_wallet_id,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	InitiatedAt    time.Time         `json:"initiated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Entry is one leg of a posting. Amount is always positive; the direction
// carries the sign. BalanceAfter is the account's running balance once this
// leg is applied.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	WalletID      *uuid.UUID      `json:"wallet_id,omitempty"`
	Account       string          `json:"account"`
	Direction     EntryDirection  `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}

// signed returns the entry's contribution to its account balance: credits
// increase, debits decrease.
func (e Entry) signed() decimal.Decimal {
	if e.Direction == DirectionCredit {
		return e.Amount
	}
	return e.Amount.Neg()
}

var (
	// ErrDuplicateKey reports that the idempotency key already belongs to a
	// stored transaction; callers refetch the winner and replay it.
	ErrDuplicateKey = errors.New("idempotency key already used")

	// ErrTransactionNotFound reports an unknown transaction id or key.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// WalletNotFoundError reports that a posting referenced a wallet the store
// does not know.
type WalletNotFoundError struct {
	WalletID uuid.UUID
}

func (e WalletNotFoundError) Error() string {
	return fmt.Sprintf("wallet %s not found", e.WalletID)
}

// WalletRow is a wallet snapshot taken under the posting lock. Guards decide
// on these values; they cannot change until the posting commits or aborts.
type WalletRow struct {
	ID           uuid.UUID
	CustomerID   uuid.UUID
	Currency     string
	Status       string
	Balance      decimal.Decimal
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
}

// GuardFunc validates a posting against the locked wallet rows and their
// current limit-window usage. Returning an error aborts the posting with
// nothing written.
type GuardFunc func(rows map[uuid.UUID]WalletRow, usage map[uuid.UUID]limits.Usage) error

// WalletView exposes wallet snapshots to the memory store. The Postgres store
// reads the wallets table directly under FOR UPDATE instead.
type WalletView interface {
	ViewWallets(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]WalletRow, error)
}

// TransactionFilter narrows List. Zero values match everything.
type TransactionFilter struct {
	WalletID uuid.UUID
	Type     TransactionType
	Status   Status
	From     time.Time
	To       time.Time
	Limit    int32
	Offset   int32
}

func (f TransactionFilter) normalized() TransactionFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Store is the contract implemented by ledger backends. It also carries the
// transactional outbox so events share the posting's atomicity.
type Store interface {
	// CreatePosting atomically validates and records a completed transaction:
	// wallet rows are locked in a deterministic order, window usage is
	// computed under the lock, guard runs, and only then are the transaction,
	// its balanced entries and the outbound events written.
	CreatePosting(ctx context.Context, txn Transaction, outbound []events.Outbound, guard GuardFunc) (Transaction, []Entry, error)

	// CreateFailed records a rejected attempt. The row claims the idempotency
	// key so retries of a failed request replay the failure.
	CreateFailed(ctx context.Context, txn Transaction, outbound []events.Outbound) (Transaction, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int64, error)

	EntriesForTransaction(ctx context.Context, transactionID uuid.UUID) ([]Entry, error)
	EntriesForAccount(ctx context.Context, account string, limit, offset int32) ([]Entry, error)

	// AccountBalance derives the account's balance as credits minus debits.
	AccountBalance(ctx context.Context, account string) (decimal.Decimal, error)

	events.OutboxStore
}

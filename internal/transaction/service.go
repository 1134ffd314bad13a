package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/ledger"
	"github.com/nyotapay/nyotapay/internal/limits"
	"github.com/nyotapay/nyotapay/internal/metrics"
	"github.com/nyotapay/nyotapay/internal/money"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

const maxIdempotencyKeyLen = 128

// Wallets is the read surface the service needs for view authorization.
type Wallets interface {
	Get(ctx context.Context, id uuid.UUID) (wallet.Wallet, error)
}

// Service orchestrates transaction creation: validation, idempotency, the
// posting guard, and recording rejected attempts. All money state changes go
// through the ledger store; this service never mutates balances itself.
type Service struct {
	store   ledger.Store
	wallets Wallets
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(store ledger.Store, wallets Wallets, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, wallets: wallets, logger: logger, now: time.Now}
}

// SetNow overrides the clock in tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// CreateInput captures one transaction request. RequestorCustomerID of
// uuid.Nil skips the ownership check; internal callers use that.
type CreateInput struct {
	Type                ledger.TransactionType
	Amount              decimal.Decimal
	Fee                 decimal.Decimal
	Currency            string
	SourceWalletID      *uuid.UUID
	DestWalletID        *uuid.UUID
	IdempotencyKey      string
	Metadata            map[string]string
	RequestorCustomerID uuid.UUID
}

// Result is the outcome of Create. Replayed marks responses answered from a
// previously stored transaction with the same idempotency key.
type Result struct {
	Transaction ledger.Transaction
	Entries     []ledger.Entry
	Replayed    bool
}

// Viewer scopes reads. Auditors see everything; customers see transactions
// touching a wallet they own.
type Viewer struct {
	CustomerID uuid.UUID
	Auditor    bool
}

// Create validates and posts a transaction. Requests replaying a known
// idempotency key return the stored outcome, COMPLETED or FAILED, without
// touching any balance. Business rejections are recorded as FAILED rows that
// claim the key, so their retries replay the failure too.
func (s *Service) Create(ctx context.Context, input CreateInput) (Result, error) {
	input, err := normalize(input)
	if err != nil {
		return Result{}, err
	}

	existing, err := s.store.GetByIdempotencyKey(ctx, input.IdempotencyKey)
	if err == nil {
		return s.replayResult(ctx, existing)
	}
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return Result{}, err
	}

	txn := ledger.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: input.IdempotencyKey,
		Type:           input.Type,
		Amount:         input.Amount,
		Fee:            input.Fee,
		Currency:       input.Currency,
		SourceWalletID: input.SourceWalletID,
		DestWalletID:   input.DestWalletID,
		Metadata:       input.Metadata,
		InitiatedAt:    s.now().UTC(),
	}

	completed, err := transactionEnvelope(events.TypeTransactionCompleted, txn)
	if err != nil {
		return Result{}, err
	}
	outbound := []events.Outbound{{Topic: events.TopicTransactionEvents, Envelope: completed}}

	started := s.now()
	stored, entries, err := s.store.CreatePosting(ctx, txn, outbound, s.guard(input))
	metrics.PostingDuration.Observe(s.now().Sub(started).Seconds())
	switch {
	case err == nil:
		metrics.TransactionsCreated.WithLabelValues(string(stored.Type), string(stored.Status)).Inc()
		s.logger.Info("transaction completed",
			slog.String("transaction_id", stored.ID.String()),
			slog.String("type", string(stored.Type)),
			slog.String("amount", stored.Amount.String()))
		return Result{Transaction: stored, Entries: entries}, nil
	case errors.Is(err, ledger.ErrDuplicateKey):
		// Lost the key race; the winner's outcome is the response.
		winner, gerr := s.store.GetByIdempotencyKey(ctx, input.IdempotencyKey)
		if gerr != nil {
			return Result{}, gerr
		}
		return s.replayResult(ctx, winner)
	case rejected(err):
		return s.recordRejection(ctx, txn, err)
	default:
		return Result{}, err
	}
}

// Get returns a transaction with its entries, if the viewer may see it.
func (s *Service) Get(ctx context.Context, id uuid.UUID, viewer Viewer) (ledger.Transaction, []ledger.Entry, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return ledger.Transaction{}, nil, err
	}
	if !viewer.Auditor {
		owned, err := s.owns(ctx, viewer.CustomerID, txn)
		if err != nil {
			return ledger.Transaction{}, nil, err
		}
		if !owned {
			return ledger.Transaction{}, nil, ErrNotOwner
		}
	}
	entries, err := s.store.EntriesForTransaction(ctx, txn.ID)
	if err != nil {
		return ledger.Transaction{}, nil, err
	}
	return txn, entries, nil
}

// List returns transactions matching the filter. Customers must scope the
// query to a wallet they own; auditors may query unscoped.
func (s *Service) List(ctx context.Context, filter ledger.TransactionFilter, viewer Viewer) ([]ledger.Transaction, int64, error) {
	if !viewer.Auditor {
		if filter.WalletID == uuid.Nil {
			return nil, 0, invalidf("wallet_id", "required")
		}
		w, err := s.wallets.Get(ctx, filter.WalletID)
		if err != nil {
			if errors.Is(err, wallet.ErrNotFound) {
				return nil, 0, ErrNotOwner
			}
			return nil, 0, err
		}
		if w.CustomerID != viewer.CustomerID {
			return nil, 0, ErrNotOwner
		}
	}
	return s.store.ListTransactions(ctx, filter)
}

// guard runs inside the posting transaction against locked wallet rows. The
// check order is fixed so concurrent requests fail the same way: ownership,
// wallet status, currency, limits, then funds.
func (s *Service) guard(input CreateInput) ledger.GuardFunc {
	return func(rows map[uuid.UUID]ledger.WalletRow, usage map[uuid.UUID]limits.Usage) error {
		ordered := make([]uuid.UUID, 0, 2)
		if input.SourceWalletID != nil {
			ordered = append(ordered, *input.SourceWalletID)
		}
		if input.DestWalletID != nil {
			ordered = append(ordered, *input.DestWalletID)
		}

		if input.RequestorCustomerID != uuid.Nil {
			owned := input.DestWalletID
			if input.Type != ledger.TypeDeposit {
				owned = input.SourceWalletID
			}
			row, ok := rows[*owned]
			if !ok || row.CustomerID != input.RequestorCustomerID {
				return ErrNotOwner
			}
		}

		for _, id := range ordered {
			row := rows[id]
			if row.Status != wallet.StatusActive {
				return &WalletNotActiveError{WalletID: id, Status: row.Status}
			}
			if row.Currency != input.Currency {
				return fmt.Errorf("%w: wallet %s holds %s", ErrCurrencyMismatch, id, row.Currency)
			}
		}

		for _, id := range ordered {
			row := rows[id]
			lim := limits.Limits{Daily: row.DailyLimit, Monthly: row.MonthlyLimit}
			if err := limits.Check(id, lim, usage[id], input.Amount); err != nil {
				return err
			}
		}

		if input.SourceWalletID != nil {
			src := rows[*input.SourceWalletID]
			total := input.Amount.Add(input.Fee)
			if src.Balance.LessThan(total) {
				return &InsufficientBalanceError{WalletID: src.ID, Balance: src.Balance, Requested: total}
			}
		}
		return nil
	}
}

// recordRejection persists the business failure so the key is claimed and the
// TRANSACTION_FAILED event goes out, then returns the original cause.
func (s *Service) recordRejection(ctx context.Context, txn ledger.Transaction, cause error) (Result, error) {
	txn.Status = ledger.StatusFailed
	txn.FailureReason = cause.Error()

	outbound := make([]events.Outbound, 0, 1)
	if env, err := transactionEnvelope(events.TypeTransactionFailed, txn); err == nil {
		outbound = append(outbound, events.Outbound{Topic: events.TopicTransactionEvents, Envelope: env})
	}

	if _, err := s.store.CreateFailed(ctx, txn, outbound); err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			// A concurrent attempt claimed the key first; its outcome wins.
			winner, gerr := s.store.GetByIdempotencyKey(ctx, txn.IdempotencyKey)
			if gerr == nil {
				return s.replayResult(ctx, winner)
			}
		}
		s.logger.Error("recording rejected transaction failed",
			slog.String("idempotency_key", txn.IdempotencyKey),
			slog.String("error", err.Error()))
	}

	var exceeded *limits.ExceededError
	var insufficient *InsufficientBalanceError
	switch {
	case errors.As(cause, &exceeded):
		metrics.LimitRejections.WithLabelValues(string(exceeded.Window)).Inc()
	case errors.As(cause, &insufficient):
		metrics.InsufficientFunds.Inc()
	}
	metrics.TransactionsCreated.WithLabelValues(string(txn.Type), string(ledger.StatusFailed)).Inc()
	s.logger.Warn("transaction rejected",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("type", string(txn.Type)),
		slog.String("reason", txn.FailureReason))
	return Result{}, cause
}

func (s *Service) replayResult(ctx context.Context, txn ledger.Transaction) (Result, error) {
	metrics.IdempotentReplays.Inc()
	var entries []ledger.Entry
	if txn.Status == ledger.StatusCompleted {
		var err error
		entries, err = s.store.EntriesForTransaction(ctx, txn.ID)
		if err != nil {
			return Result{}, err
		}
	}
	return Result{Transaction: txn, Entries: entries, Replayed: true}, nil
}

func (s *Service) owns(ctx context.Context, customerID uuid.UUID, txn ledger.Transaction) (bool, error) {
	for _, id := range []*uuid.UUID{txn.SourceWalletID, txn.DestWalletID} {
		if id == nil {
			continue
		}
		w, err := s.wallets.Get(ctx, *id)
		if errors.Is(err, wallet.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if w.CustomerID == customerID {
			return true, nil
		}
	}
	return false, nil
}

func normalize(input CreateInput) (CreateInput, error) {
	if !input.Type.Valid() {
		return input, invalidf("type", "must be DEPOSIT, WITHDRAWAL or TRANSFER")
	}
	if err := money.ValidateAmount(input.Amount); err != nil {
		return input, &ValidationError{Field: "amount", Reason: err.Error()}
	}
	if input.Fee.IsNegative() {
		return input, invalidf("fee", "must not be negative")
	}
	if input.Fee.Exponent() < -2 {
		return input, invalidf("fee", "supports at most two decimal places")
	}
	if input.Type == ledger.TypeDeposit && input.Fee.IsPositive() {
		return input, invalidf("fee", "deposits carry no fee")
	}

	currency, err := money.NormalizeCurrency(input.Currency)
	if err != nil {
		return input, &ValidationError{Field: "currency", Reason: err.Error()}
	}
	input.Currency = currency

	switch input.Type {
	case ledger.TypeDeposit:
		if input.DestWalletID == nil {
			return input, invalidf("dest_wallet_id", "required for deposits")
		}
		if input.SourceWalletID != nil {
			return input, invalidf("source_wallet_id", "deposits take no source wallet")
		}
	case ledger.TypeWithdrawal:
		if input.SourceWalletID == nil {
			return input, invalidf("source_wallet_id", "required for withdrawals")
		}
		if input.DestWalletID != nil {
			return input, invalidf("dest_wallet_id", "withdrawals take no destination wallet")
		}
	case ledger.TypeTransfer:
		if input.SourceWalletID == nil || input.DestWalletID == nil {
			return input, invalidf("source_wallet_id", "transfers need a source and a destination")
		}
		if *input.SourceWalletID == *input.DestWalletID {
			return input, invalidf("dest_wallet_id", "transfers need two distinct wallets")
		}
	}

	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)
	if input.IdempotencyKey == "" {
		return input, invalidf("idempotency_key", "required")
	}
	if len(input.IdempotencyKey) > maxIdempotencyKeyLen {
		return input, invalidf("idempotency_key", "must be at most %d characters", maxIdempotencyKeyLen)
	}
	return input, nil
}

func transactionEnvelope(eventType string, txn ledger.Transaction) (events.Envelope, error) {
	return events.NewEnvelope(eventType, txn.ID.String(), events.TransactionEvent{
		TransactionID:  txn.ID,
		Type:           string(txn.Type),
		Amount:         txn.Amount,
		Fee:            txn.Fee,
		Currency:       txn.Currency,
		SourceWalletID: txn.SourceWalletID,
		DestWalletID:   txn.DestWalletID,
		FailureReason:  txn.FailureReason,
	})
}

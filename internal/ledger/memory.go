package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/limits"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusPublished  = "published"
)

type outboxRow struct {
	id            int64
	topic         string
	payload       []byte
	status        string
	attempts      int32
	nextAttemptAt time.Time
	claimedAt     time.Time
	lastError     string
}

// MemoryStore is a concurrency-safe in-memory Store with the same semantics
// as the Postgres implementation, used in dev mode and tests. The single
// mutex stands in for row locks: a posting observes and mutates state with
// nothing interleaved.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      WalletView
	transactions map[uuid.UUID]Transaction
	byKey        map[string]uuid.UUID
	log          []Entry
	balances     map[string]decimal.Decimal
	outbox       []*outboxRow
	nextOutboxID int64
	now          func() time.Time
}

func NewMemoryStore(wallets WalletView) *MemoryStore {
	return &MemoryStore{
		wallets:      wallets,
		transactions: make(map[uuid.UUID]Transaction),
		byKey:        make(map[string]uuid.UUID),
		balances:     make(map[string]decimal.Decimal),
		now:          time.Now,
	}
}

// SetNow overrides the clock in tests.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreatePosting(ctx context.Context, txn Transaction, outbound []events.Outbound, guard GuardFunc) (Transaction, []Entry, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.IdempotencyKey != "" {
		if _, exists := s.byKey[txn.IdempotencyKey]; exists {
			return Transaction{}, nil, ErrDuplicateKey
		}
	}

	now := s.now()
	ids := involvedWallets(txn)
	rows, err := s.wallets.ViewWallets(ctx, ids)
	if err != nil {
		return Transaction{}, nil, err
	}
	for _, id := range ids {
		if _, ok := rows[id]; !ok {
			return Transaction{}, nil, WalletNotFoundError{WalletID: id}
		}
	}
	usage := make(map[uuid.UUID]limits.Usage, len(ids))
	for _, id := range ids {
		usage[id] = s.usageLocked(id, now)
	}
	if guard != nil {
		if err := guard(rows, usage); err != nil {
			return Transaction{}, nil, err
		}
	}

	if txn.InitiatedAt.IsZero() {
		txn.InitiatedAt = now
	}
	completed := now
	txn.Status = StatusCompleted
	txn.CompletedAt = &completed
	txn.FailureReason = ""

	entries, err := buildEntries(txn)
	if err != nil {
		return Transaction{}, nil, err
	}
	outboxRows, err := buildOutboxRows(outbound, now)
	if err != nil {
		return Transaction{}, nil, err
	}

	for i := range entries {
		entries[i].ID = uuid.New()
		entries[i].CreatedAt = now
		balance := s.balances[entries[i].Account].Add(entries[i].signed())
		s.balances[entries[i].Account] = balance
		entries[i].BalanceAfter = balance
	}

	s.transactions[txn.ID] = txn
	if txn.IdempotencyKey != "" {
		s.byKey[txn.IdempotencyKey] = txn.ID
	}
	s.log = append(s.log, entries...)
	s.appendOutboxLocked(outboxRows)

	return txn, entries, nil
}

func (s *MemoryStore) CreateFailed(_ context.Context, txn Transaction, outbound []events.Outbound) (Transaction, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.IdempotencyKey != "" {
		if _, exists := s.byKey[txn.IdempotencyKey]; exists {
			return Transaction{}, ErrDuplicateKey
		}
	}

	now := s.now()
	if txn.InitiatedAt.IsZero() {
		txn.InitiatedAt = now
	}
	completed := now
	txn.Status = StatusFailed
	txn.CompletedAt = &completed

	outboxRows, err := buildOutboxRows(outbound, now)
	if err != nil {
		return Transaction{}, err
	}

	s.transactions[txn.ID] = txn
	if txn.IdempotencyKey != "" {
		s.byKey[txn.IdempotencyKey] = txn.ID
	}
	s.appendOutboxLocked(outboxRows)

	return txn, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return txn, nil
}

func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return s.transactions[id], nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]Transaction, int64, error) {
	filter = filter.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]Transaction, 0)
	for _, txn := range s.transactions {
		if filterMatches(txn, filter) {
			matches = append(matches, txn)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].InitiatedAt.After(matches[j].InitiatedAt)
	})

	total := int64(len(matches))
	start := int(filter.Offset)
	if start > len(matches) {
		start = len(matches)
	}
	end := start + int(filter.Limit)
	if end > len(matches) {
		end = len(matches)
	}
	return matches[start:end], total, nil
}

func (s *MemoryStore) EntriesForTransaction(_ context.Context, transactionID uuid.UUID) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []Entry
	for _, e := range s.log {
		if e.TransactionID == transactionID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *MemoryStore) EntriesForAccount(_ context.Context, account string, limit, offset int32) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]Entry, 0)
	for _, e := range s.log {
		if e.Account == account {
			matches = append(matches, e)
		}
	}
	// Newest first, mirroring the Postgres ordering.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}

	start := int(offset)
	if start > len(matches) {
		start = len(matches)
	}
	end := start + int(limit)
	if end > len(matches) {
		end = len(matches)
	}
	return matches[start:end], nil
}

func (s *MemoryStore) AccountBalance(_ context.Context, account string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

func (s *MemoryStore) ClaimPendingEvents(_ context.Context, limit int32, staleAfter time.Duration) ([]events.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	claimed := make([]events.OutboxMessage, 0)
	for _, row := range s.outbox {
		if int32(len(claimed)) >= limit {
			break
		}
		due := row.status == outboxStatusPending && !row.nextAttemptAt.After(now)
		stale := row.status == outboxStatusProcessing && row.claimedAt.Before(now.Add(-staleAfter))
		if !due && !stale {
			continue
		}
		row.status = outboxStatusProcessing
		row.claimedAt = now
		row.attempts++
		claimed = append(claimed, events.OutboxMessage{
			ID:       row.id,
			Topic:    row.topic,
			Payload:  append([]byte(nil), row.payload...),
			Attempts: row.attempts,
		})
	}
	return claimed, nil
}

func (s *MemoryStore) MarkEventPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.outboxRowLocked(id)
	if row == nil {
		return fmt.Errorf("outbox row %d not found", id)
	}
	row.status = outboxStatusPublished
	row.lastError = ""
	return nil
}

func (s *MemoryStore) MarkEventFailed(_ context.Context, id int64, retryAfter time.Duration, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.outboxRowLocked(id)
	if row == nil {
		return fmt.Errorf("outbox row %d not found", id)
	}
	row.status = outboxStatusPending
	row.nextAttemptAt = s.now().Add(retryAfter)
	row.lastError = reason
	return nil
}

// usageLocked sums the amounts of completed transactions touching the wallet
// inside the current UTC day and month windows. Failed attempts never consume
// limit.
func (s *MemoryStore) usageLocked(walletID uuid.UUID, now time.Time) limits.Usage {
	dayStart := limits.StartOfDay(now)
	monthStart := limits.StartOfMonth(now)

	usage := limits.Usage{Daily: decimal.Zero, Monthly: decimal.Zero}
	for _, txn := range s.transactions {
		if txn.Status != StatusCompleted || !touchesWallet(txn, walletID) {
			continue
		}
		at := txn.InitiatedAt
		if at.After(now) {
			continue
		}
		if !at.Before(monthStart) {
			usage.Monthly = usage.Monthly.Add(txn.Amount)
		}
		if !at.Before(dayStart) {
			usage.Daily = usage.Daily.Add(txn.Amount)
		}
	}
	return usage
}

func (s *MemoryStore) appendOutboxLocked(rows []*outboxRow) {
	for _, row := range rows {
		s.nextOutboxID++
		row.id = s.nextOutboxID
		s.outbox = append(s.outbox, row)
	}
}

func (s *MemoryStore) outboxRowLocked(id int64) *outboxRow {
	for _, row := range s.outbox {
		if row.id == id {
			return row
		}
	}
	return nil
}

func buildOutboxRows(outbound []events.Outbound, now time.Time) ([]*outboxRow, error) {
	rows := make([]*outboxRow, 0, len(outbound))
	for _, out := range outbound {
		payload, err := json.Marshal(out.Envelope)
		if err != nil {
			return nil, fmt.Errorf("marshal outbox payload: %w", err)
		}
		rows = append(rows, &outboxRow{
			topic:         out.Topic,
			payload:       payload,
			status:        outboxStatusPending,
			nextAttemptAt: now,
		})
	}
	return rows, nil
}

func filterMatches(txn Transaction, f TransactionFilter) bool {
	if f.WalletID != uuid.Nil && !touchesWallet(txn, f.WalletID) {
		return false
	}
	if f.Type != "" && txn.Type != f.Type {
		return false
	}
	if f.Status != "" && txn.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && txn.InitiatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && txn.InitiatedAt.After(f.To) {
		return false
	}
	return true
}

func touchesWallet(txn Transaction, walletID uuid.UUID) bool {
	if txn.SourceWalletID != nil && *txn.SourceWalletID == walletID {
		return true
	}
	return txn.DestWalletID != nil && *txn.DestWalletID == walletID
}

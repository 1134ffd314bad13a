package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyotapay/nyotapay/internal/ledger"
)

// MemoryRepository is a concurrency-safe in-memory Repository for dev mode
// and tests. It also implements ledger.WalletView, so the memory ledger store
// can snapshot wallet rows for posting guards.
type MemoryRepository struct {
	mu      sync.RWMutex
	wallets map[uuid.UUID]Wallet
	applied map[string]bool
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		wallets: make(map[uuid.UUID]Wallet),
		applied: make(map[string]bool),
		now:     time.Now,
	}
}

// SetNow overrides the clock in tests.
func (r *MemoryRepository) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) Create(_ context.Context, w Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.wallets[w.ID]; exists {
		return ErrExists
	}
	for _, existing := range r.wallets {
		if existing.CustomerID == w.CustomerID && existing.Currency == w.Currency {
			return ErrExists
		}
	}
	r.wallets[w.ID] = w
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (r *MemoryRepository) GetByCustomerAndCurrency(_ context.Context, customerID uuid.UUID, currency string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.wallets {
		if w.CustomerID == customerID && w.Currency == currency {
			return w, nil
		}
	}
	return Wallet{}, ErrNotFound
}

func (r *MemoryRepository) ListByCustomer(_ context.Context, customerID uuid.UUID) ([]Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wallets := make([]Wallet, 0)
	for _, w := range r.wallets {
		if w.CustomerID == customerID {
			wallets = append(wallets, w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool {
		return wallets[i].CreatedAt.Before(wallets[j].CreatedAt)
	})
	return wallets, nil
}

func (r *MemoryRepository) ListIDs(_ context.Context, limit, offset int32) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 200
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.wallets))
	for id := range r.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	start := int(offset)
	if start > len(ids) {
		start = len(ids)
	}
	end := start + int(limit)
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end], nil
}

func (r *MemoryRepository) ApplyEffect(_ context.Context, e Effect) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := e.TransactionID.String() + ":" + e.WalletID.String()
	if r.applied[key] {
		return Wallet{}, ErrEffectApplied
	}
	w, ok := r.wallets[e.WalletID]
	if !ok {
		return Wallet{}, ErrNotFound
	}

	balance := w.Balance.Add(e.Amount)
	if !e.Credit {
		balance = w.Balance.Sub(e.Amount)
	}
	if balance.IsNegative() {
		return Wallet{}, ErrBalanceBelowZero
	}

	r.applied[key] = true
	w.Balance = balance
	w.UpdatedAt = r.now().UTC()
	r.wallets[e.WalletID] = w
	return w, nil
}

// ViewWallets implements ledger.WalletView.
func (r *MemoryRepository) ViewWallets(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]ledger.WalletRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := make(map[uuid.UUID]ledger.WalletRow, len(ids))
	for _, id := range ids {
		w, ok := r.wallets[id]
		if !ok {
			continue
		}
		rows[id] = ledger.WalletRow{
			ID:           w.ID,
			CustomerID:   w.CustomerID,
			Currency:     w.Currency,
			Status:       w.Status,
			Balance:      w.Balance,
			DailyLimit:   w.DailyLimit,
			MonthlyLimit: w.MonthlyLimit,
		}
	}
	return rows, nil
}

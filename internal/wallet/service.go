package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/money"
)

// Defaults are applied to every newly provisioned wallet. Zero limits
// disable the corresponding ceiling.
type Defaults struct {
	Currency     string
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
}

// Service exposes wallet provisioning and balance reads. Balance mutations
// never happen here; they arrive through the Updater consuming transaction
// events.
type Service struct {
	repo      Repository
	cache     *Cache
	publisher events.Publisher
	defaults  Defaults
	logger    *slog.Logger
}

// NewService builds a wallet service instance. publisher may be nil; wallet
// creation announcements are advisory and are skipped without one.
func NewService(repo Repository, cache *Cache, publisher events.Publisher, defaults Defaults, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, publisher: publisher, defaults: defaults, logger: logger}
}

// Create provisions an active wallet with a zero balance and the configured
// default limits. An empty currency falls back to the service default.
func (s *Service) Create(ctx context.Context, customerID uuid.UUID, currency string) (Wallet, error) {
	if currency == "" {
		currency = s.defaults.Currency
	}
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return Wallet{}, err
	}

	now := time.Now().UTC()
	w := Wallet{
		ID:           uuid.New(),
		CustomerID:   customerID,
		Currency:     currency,
		Status:       StatusActive,
		Balance:      decimal.Zero,
		DailyLimit:   s.defaults.DailyLimit,
		MonthlyLimit: s.defaults.MonthlyLimit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, w); err != nil {
		return Wallet{}, err
	}

	s.announce(ctx, w)
	return w, nil
}

// EnsureForCustomer returns the customer's wallet in the given currency,
// provisioning one if none exists yet. Safe to call from event handlers that
// may deliver the same customer more than once.
func (s *Service) EnsureForCustomer(ctx context.Context, customerID uuid.UUID, currency string) (Wallet, error) {
	if currency == "" {
		currency = s.defaults.Currency
	}
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return Wallet{}, err
	}

	w, err := s.repo.GetByCustomerAndCurrency(ctx, customerID, currency)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Wallet{}, err
	}

	w, err = s.Create(ctx, customerID, currency)
	if errors.Is(err, ErrExists) {
		// Lost a provisioning race; the winner's wallet is the one we want.
		return s.repo.GetByCustomerAndCurrency(ctx, customerID, currency)
	}
	return w, err
}

// Get retrieves wallet metadata.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Wallet, error) {
	return s.repo.Get(ctx, id)
}

// ListByCustomer returns all wallets owned by a customer.
func (s *Service) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]Wallet, error) {
	return s.repo.ListByCustomer(ctx, customerID)
}

// GetBalance returns the wallet's balance snapshot, from cache when fresh.
func (s *Service) GetBalance(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	if snap, ok := s.cache.Get(ctx, id); ok {
		return snap, nil
	}

	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{WalletID: w.ID, Balance: w.Balance, Currency: w.Currency, UpdatedAt: w.UpdatedAt}
	if err := s.cache.Put(ctx, snap); err != nil {
		s.logger.Warn("balance cache write failed",
			slog.String("wallet_id", w.ID.String()),
			slog.String("error", err.Error()))
	}
	return snap, nil
}

func (s *Service) announce(ctx context.Context, w Wallet) {
	if s.publisher == nil {
		return
	}
	env, err := events.NewEnvelope(events.TypeWalletCreated, w.ID.String(), events.WalletEvent{
		WalletID:   w.ID,
		CustomerID: w.CustomerID,
		Currency:   w.Currency,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, events.TopicWalletEvents, env)
	}
	if err != nil {
		s.logger.Warn("wallet created announcement failed",
			slog.String("wallet_id", w.ID.String()),
			slog.String("error", err.Error()))
	}
}

package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/ledger"
	"github.com/nyotapay/nyotapay/internal/lock"
	"github.com/nyotapay/nyotapay/internal/metrics"
)

const defaultLockTTL = 5 * time.Second

// Updater consumes transaction lifecycle events and applies the resulting
// balance changes. Deliveries are at-least-once, so every effect is keyed by
// (transaction, wallet) and replays are absorbed by the repository's applied
// marker. A returned error requeues the whole delivery; the markers make the
// retry safe for wallets already updated.
type Updater struct {
	repo    Repository
	cache   *Cache
	locker  lock.Locker
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewUpdater builds the event consumer. locker may be nil when the deployment
// runs a single updater instance; cache may be nil to skip snapshot caching.
func NewUpdater(repo Repository, cache *Cache, locker lock.Locker, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		repo:    repo,
		cache:   cache,
		locker:  locker,
		lockTTL: defaultLockTTL,
		logger:  logger,
	}
}

// SetLockTTL overrides the per-wallet lease duration.
func (u *Updater) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		u.lockTTL = ttl
	}
}

// HandleTransactionEvent is the events.Handler for the transaction topic.
// Only TRANSACTION_COMPLETED moves money; every other type is acknowledged
// untouched. Undecodable payloads are dropped with an error log because a
// redelivery can never fix them.
func (u *Updater) HandleTransactionEvent(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeTransactionCompleted {
		return nil
	}

	var evt events.TransactionEvent
	if err := env.Decode(&evt); err != nil {
		u.logger.Error("dropping undecodable transaction event",
			slog.String("event_id", env.ID.String()),
			slog.String("error", err.Error()))
		return nil
	}

	effects, err := effectsFor(evt)
	if err != nil {
		u.logger.Error("dropping malformed transaction event",
			slog.String("transaction_id", evt.TransactionID.String()),
			slog.String("error", err.Error()))
		return nil
	}

	for _, effect := range effects {
		if err := u.apply(ctx, effect); err != nil {
			return err
		}
	}
	return nil
}

// effectsFor maps a completed transaction onto wallet balance mutations. The
// fee leaves the source wallet together with the amount; deposits carry no fee.
func effectsFor(evt events.TransactionEvent) ([]Effect, error) {
	switch evt.Type {
	case string(ledger.TypeDeposit):
		if evt.DestWalletID == nil {
			return nil, errors.New("deposit event without destination wallet")
		}
		return []Effect{{
			TransactionID: evt.TransactionID,
			WalletID:      *evt.DestWalletID,
			Credit:        true,
			Amount:        evt.Amount,
		}}, nil
	case string(ledger.TypeWithdrawal):
		if evt.SourceWalletID == nil {
			return nil, errors.New("withdrawal event without source wallet")
		}
		return []Effect{{
			TransactionID: evt.TransactionID,
			WalletID:      *evt.SourceWalletID,
			Credit:        false,
			Amount:        evt.Amount.Add(evt.Fee),
		}}, nil
	case string(ledger.TypeTransfer):
		if evt.SourceWalletID == nil || evt.DestWalletID == nil {
			return nil, errors.New("transfer event missing a wallet")
		}
		return []Effect{
			{
				TransactionID: evt.TransactionID,
				WalletID:      *evt.SourceWalletID,
				Credit:        false,
				Amount:        evt.Amount.Add(evt.Fee),
			},
			{
				TransactionID: evt.TransactionID,
				WalletID:      *evt.DestWalletID,
				Credit:        true,
				Amount:        evt.Amount,
			},
		}, nil
	default:
		return nil, errors.New("unknown transaction type " + evt.Type)
	}
}

func (u *Updater) apply(ctx context.Context, effect Effect) error {
	if u.locker != nil {
		resource := "wallet:" + effect.WalletID.String()
		waitCtx, cancel := context.WithTimeout(ctx, u.lockTTL)
		token, err := lock.AcquireWithRetry(waitCtx, u.locker, resource, u.lockTTL, 0)
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			if _, err := u.locker.Release(ctx, resource, token); err != nil {
				u.logger.Warn("lock release failed",
					slog.String("resource", resource),
					slog.String("error", err.Error()))
			}
		}()
	}

	w, err := u.repo.ApplyEffect(ctx, effect)
	switch {
	case errors.Is(err, ErrEffectApplied):
		metrics.EventReplaysSuppressed.Inc()
		u.logger.Info("suppressed replayed balance update",
			slog.String("transaction_id", effect.TransactionID.String()),
			slog.String("wallet_id", effect.WalletID.String()))
		return nil
	case errors.Is(err, ErrBalanceBelowZero):
		u.logger.Error("balance update would go negative",
			slog.String("transaction_id", effect.TransactionID.String()),
			slog.String("wallet_id", effect.WalletID.String()),
			slog.String("amount", effect.Amount.String()))
		return err
	case err != nil:
		return err
	}

	direction := "debit"
	if effect.Credit {
		direction = "credit"
	}
	metrics.BalanceUpdates.WithLabelValues(direction).Inc()

	snap := Snapshot{WalletID: w.ID, Balance: w.Balance, Currency: w.Currency, UpdatedAt: w.UpdatedAt}
	if err := u.cache.Put(ctx, snap); err != nil {
		u.logger.Warn("balance cache write failed",
			slog.String("wallet_id", w.ID.String()),
			slog.String("error", err.Error()))
	}
	return nil
}

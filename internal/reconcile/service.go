package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/ledger"
	"github.com/nyotapay/nyotapay/internal/metrics"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

const sweepPageSize = 200

// Wallets reads stored balances for the sweep.
type Wallets interface {
	Get(ctx context.Context, id uuid.UUID) (wallet.Wallet, error)
	ListIDs(ctx context.Context, limit, offset int32) ([]uuid.UUID, error)
}

// Ledger derives balances from entries.
type Ledger interface {
	AccountBalance(ctx context.Context, account string) (decimal.Decimal, error)
}

// Report compares a wallet's stored balance against the balance derived from
// its ledger entries.
type Report struct {
	WalletID          uuid.UUID       `json:"wallet_id"`
	StoredBalance     decimal.Decimal `json:"stored_balance"`
	CalculatedBalance decimal.Decimal `json:"calculated_balance"`
	Discrepancy       decimal.Decimal `json:"discrepancy"`
	Reconciled        bool            `json:"reconciled"`
	CheckedAt         time.Time       `json:"checked_at"`
}

// Summary is the outcome of one full sweep. Reports holds only the wallets
// that diverged.
type Summary struct {
	Checked       int       `json:"checked"`
	Discrepancies int       `json:"discrepancies"`
	Reports       []Report  `json:"reports,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Service detects drift between stored wallet balances and the ledger. It
// never corrects: a discrepancy means a bug or missed event, and the fix
// belongs with an operator, not an automated write.
type Service struct {
	wallets Wallets
	ledger  Ledger
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(wallets Wallets, ledger Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{wallets: wallets, ledger: ledger, logger: logger, now: time.Now}
}

// SetNow overrides the clock in tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Reconcile checks one wallet. Discrepancy is stored minus derived.
func (s *Service) Reconcile(ctx context.Context, walletID uuid.UUID) (Report, error) {
	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return Report{}, err
	}
	derived, err := s.ledger.AccountBalance(ctx, ledger.WalletAccount(walletID))
	if err != nil {
		return Report{}, err
	}

	discrepancy := w.Balance.Sub(derived)
	report := Report{
		WalletID:          walletID,
		StoredBalance:     w.Balance,
		CalculatedBalance: derived,
		Discrepancy:       discrepancy,
		Reconciled:        discrepancy.IsZero(),
		CheckedAt:         s.now().UTC(),
	}
	if !report.Reconciled {
		metrics.ReconcileDiscrepancies.Inc()
		s.logger.Error("balance discrepancy detected",
			slog.String("wallet_id", walletID.String()),
			slog.String("stored", report.StoredBalance.String()),
			slog.String("calculated", report.CalculatedBalance.String()),
			slog.String("discrepancy", report.Discrepancy.String()))
	}
	return report, nil
}

// ReconcileAll sweeps every wallet in pages. Per-wallet failures are logged
// and skipped so one bad row cannot stall the sweep.
func (s *Service) ReconcileAll(ctx context.Context) (Summary, error) {
	summary := Summary{StartedAt: s.now().UTC()}

	var offset int32
	for {
		ids, err := s.wallets.ListIDs(ctx, sweepPageSize, offset)
		if err != nil {
			return summary, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			report, err := s.Reconcile(ctx, id)
			if err != nil {
				s.logger.Error("reconcile failed for wallet",
					slog.String("wallet_id", id.String()),
					slog.String("error", err.Error()))
				continue
			}
			summary.Checked++
			if !report.Reconciled {
				summary.Discrepancies++
				summary.Reports = append(summary.Reports, report)
			}
		}
		if len(ids) < sweepPageSize {
			break
		}
		offset += sweepPageSize
	}

	summary.FinishedAt = s.now().UTC()
	metrics.ReconcileRuns.Inc()
	s.logger.Info("reconciliation sweep finished",
		slog.Int("checked", summary.Checked),
		slog.Int("discrepancies", summary.Discrepancies))
	return summary, nil
}

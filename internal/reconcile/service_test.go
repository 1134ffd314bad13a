package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/ledger"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func setup(t *testing.T) (*wallet.MemoryRepository, *ledger.MemoryStore, *Service) {
	t.Helper()
	repo := wallet.NewMemoryRepository()
	store := ledger.NewMemoryStore(repo)
	return repo, store, NewService(repo, store, nil)
}

func seedWallet(t *testing.T, repo *wallet.MemoryRepository) wallet.Wallet {
	t.Helper()
	w := wallet.Wallet{ID: uuid.New(), CustomerID: uuid.New(), Currency: "KES", Status: wallet.StatusActive, Balance: decimal.Zero}
	if err := repo.Create(context.Background(), w); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return w
}

// deposit posts to the ledger and applies the matching balance effect, the
// same two steps the live system performs.
func deposit(t *testing.T, repo *wallet.MemoryRepository, store *ledger.MemoryStore, walletID uuid.UUID, amount string) {
	t.Helper()
	ctx := context.Background()
	txn, err := ledger.SeedDeposit(ctx, store, walletID, "KES", dec(t, amount))
	if err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	if _, err := repo.ApplyEffect(ctx, wallet.Effect{
		TransactionID: txn.ID,
		WalletID:      walletID,
		Credit:        true,
		Amount:        dec(t, amount),
	}); err != nil {
		t.Fatalf("apply effect: %v", err)
	}
}

func TestReconcileCleanWallet(t *testing.T) {
	repo, store, svc := setup(t)
	w := seedWallet(t, repo)
	deposit(t, repo, store, w.ID, "500.00")

	report, err := svc.Reconcile(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Reconciled {
		t.Fatalf("expected reconciled wallet, got %+v", report)
	}
	if !report.StoredBalance.Equal(dec(t, "500.00")) || !report.CalculatedBalance.Equal(dec(t, "500.00")) {
		t.Fatalf("expected both balances 500.00, got %+v", report)
	}
	if !report.Discrepancy.IsZero() {
		t.Fatalf("expected zero discrepancy, got %s", report.Discrepancy)
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	repo, store, svc := setup(t)
	w := seedWallet(t, repo)
	ctx := context.Background()

	// Ledger records 500.00 but only 450.00 reached the stored balance.
	txn, err := ledger.SeedDeposit(ctx, store, w.ID, "KES", dec(t, "500.00"))
	if err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	if _, err := repo.ApplyEffect(ctx, wallet.Effect{
		TransactionID: txn.ID,
		WalletID:      w.ID,
		Credit:        true,
		Amount:        dec(t, "450.00"),
	}); err != nil {
		t.Fatalf("apply effect: %v", err)
	}

	report, err := svc.Reconcile(ctx, w.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Reconciled {
		t.Fatal("expected a discrepancy")
	}
	if !report.Discrepancy.Equal(dec(t, "-50.00")) {
		t.Fatalf("expected discrepancy -50.00, got %s", report.Discrepancy)
	}

	// The stored balance must be left untouched; reconciliation only reports.
	got, err := repo.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if !got.Balance.Equal(dec(t, "450.00")) {
		t.Fatalf("reconcile must not correct balances, got %s", got.Balance)
	}
}

func TestReconcileAllSummarizesSweep(t *testing.T) {
	repo, store, svc := setup(t)
	clean := seedWallet(t, repo)
	tampered := seedWallet(t, repo)
	ctx := context.Background()

	deposit(t, repo, store, clean.ID, "100.00")
	if _, err := ledger.SeedDeposit(ctx, store, tampered.ID, "KES", dec(t, "200.00")); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	summary, err := svc.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("reconcile all: %v", err)
	}
	if summary.Checked != 2 {
		t.Fatalf("expected 2 wallets checked, got %d", summary.Checked)
	}
	if summary.Discrepancies != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", summary.Discrepancies)
	}
	if len(summary.Reports) != 1 || summary.Reports[0].WalletID != tampered.ID {
		t.Fatalf("expected the tampered wallet reported, got %+v", summary.Reports)
	}
}

func TestReconcileUnknownWallet(t *testing.T) {
	_, _, svc := setup(t)

	_, err := svc.Reconcile(context.Background(), uuid.New())
	if !errors.Is(err, wallet.ErrNotFound) {
		t.Fatalf("expected wallet.ErrNotFound, got %v", err)
	}
}

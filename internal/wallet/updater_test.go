package wallet

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/lock"
)

func seedWallet(t *testing.T, repo *MemoryRepository, balance string) Wallet {
	t.Helper()
	w := Wallet{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		Currency:   "KES",
		Status:     StatusActive,
		Balance:    decimal.RequireFromString(balance),
	}
	if err := repo.Create(context.Background(), w); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return w
}

func completedEnvelope(t *testing.T, evt events.TransactionEvent) events.Envelope {
	t.Helper()
	evt.Currency = "KES"
	env, err := events.NewEnvelope(events.TypeTransactionCompleted, evt.TransactionID.String(), evt)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestUpdaterAppliesDeposit(t *testing.T) {
	repo := NewMemoryRepository()
	dest := seedWallet(t, repo, "0")
	updater := NewUpdater(repo, nil, nil, nil)

	env := completedEnvelope(t, events.TransactionEvent{
		TransactionID: uuid.New(),
		Type:          "DEPOSIT",
		Amount:        decimal.RequireFromString("500.00"),
		DestWalletID:  &dest.ID,
	})
	if err := updater.HandleTransactionEvent(context.Background(), env); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}

	got, err := repo.Get(context.Background(), dest.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if !got.Balance.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected balance 500.00, got %s", got.Balance)
	}
}

func TestUpdaterTransferMovesAmountAndFee(t *testing.T) {
	repo := NewMemoryRepository()
	source := seedWallet(t, repo, "300.00")
	dest := seedWallet(t, repo, "0")
	updater := NewUpdater(repo, nil, nil, nil)

	env := completedEnvelope(t, events.TransactionEvent{
		TransactionID:  uuid.New(),
		Type:           "TRANSFER",
		Amount:         decimal.RequireFromString("200.00"),
		Fee:            decimal.RequireFromString("5.00"),
		SourceWalletID: &source.ID,
		DestWalletID:   &dest.ID,
	})
	if err := updater.HandleTransactionEvent(context.Background(), env); err != nil {
		t.Fatalf("handle transfer: %v", err)
	}

	gotSource, _ := repo.Get(context.Background(), source.ID)
	gotDest, _ := repo.Get(context.Background(), dest.ID)
	if !gotSource.Balance.Equal(decimal.RequireFromString("95.00")) {
		t.Fatalf("expected source balance 95.00, got %s", gotSource.Balance)
	}
	if !gotDest.Balance.Equal(decimal.RequireFromString("200.00")) {
		t.Fatalf("expected dest balance 200.00, got %s", gotDest.Balance)
	}
}

func TestUpdaterSuppressesRedelivery(t *testing.T) {
	repo := NewMemoryRepository()
	dest := seedWallet(t, repo, "0")
	updater := NewUpdater(repo, nil, nil, nil)

	env := completedEnvelope(t, events.TransactionEvent{
		TransactionID: uuid.New(),
		Type:          "DEPOSIT",
		Amount:        decimal.RequireFromString("500.00"),
		DestWalletID:  &dest.ID,
	})

	for i := 0; i < 3; i++ {
		if err := updater.HandleTransactionEvent(context.Background(), env); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	got, _ := repo.Get(context.Background(), dest.ID)
	if !got.Balance.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("redelivery must be applied once, got balance %s", got.Balance)
	}
}

func TestUpdaterRequeuesWhenBalanceWouldGoNegative(t *testing.T) {
	repo := NewMemoryRepository()
	source := seedWallet(t, repo, "10.00")
	updater := NewUpdater(repo, nil, nil, nil)

	env := completedEnvelope(t, events.TransactionEvent{
		TransactionID:  uuid.New(),
		Type:           "WITHDRAWAL",
		Amount:         decimal.RequireFromString("50.00"),
		SourceWalletID: &source.ID,
	})
	if err := updater.HandleTransactionEvent(context.Background(), env); err == nil {
		t.Fatal("expected an error so the delivery is requeued")
	}

	got, _ := repo.Get(context.Background(), source.ID)
	if !got.Balance.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("failed update must not change balance, got %s", got.Balance)
	}
}

func TestUpdaterIgnoresNonCompletedTypes(t *testing.T) {
	repo := NewMemoryRepository()
	dest := seedWallet(t, repo, "0")
	updater := NewUpdater(repo, nil, nil, nil)

	evt := events.TransactionEvent{
		TransactionID: uuid.New(),
		Type:          "DEPOSIT",
		Amount:        decimal.RequireFromString("500.00"),
		DestWalletID:  &dest.ID,
	}
	env, err := events.NewEnvelope(events.TypeTransactionFailed, evt.TransactionID.String(), evt)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := updater.HandleTransactionEvent(context.Background(), env); err != nil {
		t.Fatalf("handle failed event: %v", err)
	}

	got, _ := repo.Get(context.Background(), dest.ID)
	if !got.Balance.IsZero() {
		t.Fatalf("failed transaction must not move money, got %s", got.Balance)
	}
}

func TestUpdaterDropsUndecodablePayload(t *testing.T) {
	updater := NewUpdater(NewMemoryRepository(), nil, nil, nil)

	env := events.Envelope{
		ID:      uuid.New(),
		Type:    events.TypeTransactionCompleted,
		Payload: []byte(`{"amount": "not-a-number"}`),
	}
	if err := updater.HandleTransactionEvent(context.Background(), env); err != nil {
		t.Fatalf("undecodable payloads must be dropped, got %v", err)
	}
}

func TestUpdaterHoldsWalletLockWhileApplying(t *testing.T) {
	repo := NewMemoryRepository()
	dest := seedWallet(t, repo, "0")
	locker := lock.NewMemoryLocker()
	updater := NewUpdater(repo, nil, locker, nil)

	env := completedEnvelope(t, events.TransactionEvent{
		TransactionID: uuid.New(),
		Type:          "DEPOSIT",
		Amount:        decimal.RequireFromString("500.00"),
		DestWalletID:  &dest.ID,
	})
	if err := updater.HandleTransactionEvent(context.Background(), env); err != nil {
		t.Fatalf("handle with locker: %v", err)
	}

	// The lease must be released afterwards so the next update can proceed.
	token, err := locker.TryAcquire(context.Background(), "wallet:"+dest.ID.String(), defaultLockTTL)
	if err != nil {
		t.Fatalf("lock still held after apply: %v", err)
	}
	if _, err := locker.Release(context.Background(), "wallet:"+dest.ID.String(), token); err != nil {
		t.Fatalf("release: %v", err)
	}
}

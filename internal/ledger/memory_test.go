package ledger

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/limits"
)

type fakeView map[uuid.UUID]WalletRow

func (v fakeView) ViewWallets(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]WalletRow, error) {
	rows := make(map[uuid.UUID]WalletRow, len(ids))
	for _, id := range ids {
		if row, ok := v[id]; ok {
			rows[id] = row
		}
	}
	return rows, nil
}

func activeRow(id uuid.UUID, currency string) WalletRow {
	return WalletRow{
		ID:           id,
		CustomerID:   uuid.New(),
		Currency:     currency,
		Status:       "ACTIVE",
		Balance:      decimal.Zero,
		DailyLimit:   decimal.Zero,
		MonthlyLimit: decimal.Zero,
	}
}

func depositTxn(t *testing.T, dest uuid.UUID, key, amount string) Transaction {
	t.Helper()
	d := dest
	return Transaction{
		IdempotencyKey: key,
		Type:           TypeDeposit,
		Amount:         dec(t, amount),
		Fee:            decimal.Zero,
		Currency:       "KES",
		DestWalletID:   &d,
	}
}

func TestMemoryStorePostingRecordsEverything(t *testing.T) {
	ctx := context.Background()
	w1 := uuid.New()
	store := NewMemoryStore(fakeView{w1: activeRow(w1, "KES")})

	env, err := events.NewEnvelope(events.TypeTransactionCompleted, "k1", events.TransactionEvent{Type: "DEPOSIT"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	outbound := []events.Outbound{{Topic: events.TopicTransactionEvents, Envelope: env}}

	created, entries, err := store.CreatePosting(ctx, depositTxn(t, w1, "k1", "500.00"), outbound, nil)
	if err != nil {
		t.Fatalf("CreatePosting() error = %v", err)
	}
	if created.Status != StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", created.Status)
	}
	if created.CompletedAt == nil {
		t.Fatal("CompletedAt is nil")
	}
	if !Balanced(entries) {
		t.Fatal("posting entries do not balance")
	}
	if !entries[1].BalanceAfter.Equal(dec(t, "500.00")) {
		t.Fatalf("wallet BalanceAfter = %s, want 500.00", entries[1].BalanceAfter)
	}

	balance, err := store.AccountBalance(ctx, WalletAccount(w1))
	if err != nil {
		t.Fatalf("AccountBalance() error = %v", err)
	}
	if !balance.Equal(dec(t, "500.00")) {
		t.Fatalf("wallet account balance = %s, want 500.00", balance)
	}
	cash, _ := store.AccountBalance(ctx, CashAccount)
	if !cash.Equal(dec(t, "-500.00")) {
		t.Fatalf("cash account balance = %s, want -500.00", cash)
	}

	got, err := store.GetByIdempotencyKey(ctx, "k1")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() error = %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("GetByIdempotencyKey() id = %s, want %s", got.ID, created.ID)
	}

	msgs, err := store.ClaimPendingEvents(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimPendingEvents() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("claimed %d outbox rows, want 1", len(msgs))
	}
	if msgs[0].Topic != events.TopicTransactionEvents {
		t.Fatalf("outbox topic = %s, want %s", msgs[0].Topic, events.TopicTransactionEvents)
	}
}

func TestMemoryStoreDuplicateKeyRejected(t *testing.T) {
	ctx := context.Background()
	w1 := uuid.New()
	store := NewMemoryStore(fakeView{w1: activeRow(w1, "KES")})

	first, _, err := store.CreatePosting(ctx, depositTxn(t, w1, "same-key", "100.00"), nil, nil)
	if err != nil {
		t.Fatalf("first CreatePosting() error = %v", err)
	}

	_, _, err = store.CreatePosting(ctx, depositTxn(t, w1, "same-key", "100.00"), nil, nil)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("second CreatePosting() error = %v, want ErrDuplicateKey", err)
	}

	// The first write stands alone.
	winner, err := store.GetByIdempotencyKey(ctx, "same-key")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() error = %v", err)
	}
	if winner.ID != first.ID {
		t.Fatalf("winner id = %s, want %s", winner.ID, first.ID)
	}
	balance, _ := store.AccountBalance(ctx, WalletAccount(w1))
	if !balance.Equal(dec(t, "100.00")) {
		t.Fatalf("balance = %s after duplicate, want 100.00", balance)
	}
}

func TestMemoryStoreGuardFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	w1 := uuid.New()
	store := NewMemoryStore(fakeView{w1: activeRow(w1, "KES")})

	boom := errors.New("rejected")
	_, _, err := store.CreatePosting(ctx, depositTxn(t, w1, "k1", "100.00"), nil,
		func(map[uuid.UUID]WalletRow, map[uuid.UUID]limits.Usage) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("CreatePosting() error = %v, want guard error", err)
	}

	if _, err := store.GetByIdempotencyKey(ctx, "k1"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatal("rejected posting claimed the idempotency key")
	}
	balance, _ := store.AccountBalance(ctx, WalletAccount(w1))
	if !balance.IsZero() {
		t.Fatalf("balance = %s after rejected posting, want 0", balance)
	}
	if msgs, _ := store.ClaimPendingEvents(ctx, 10, time.Minute); len(msgs) != 0 {
		t.Fatalf("rejected posting enqueued %d outbox rows", len(msgs))
	}
}

func TestMemoryStoreUnknownWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(fakeView{})

	missing := uuid.New()
	_, _, err := store.CreatePosting(ctx, depositTxn(t, missing, "k1", "10.00"), nil, nil)
	var notFound WalletNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("CreatePosting() error = %v, want WalletNotFoundError", err)
	}
	if notFound.WalletID != missing {
		t.Fatalf("WalletID = %s, want %s", notFound.WalletID, missing)
	}
}

func TestMemoryStoreUsageWindows(t *testing.T) {
	ctx := context.Background()
	w1 := uuid.New()
	store := NewMemoryStore(fakeView{w1: activeRow(w1, "KES")})

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return now })

	seed := func(key, amount string, initiated time.Time) {
		txn := depositTxn(t, w1, key, amount)
		txn.InitiatedAt = initiated
		if _, _, err := store.CreatePosting(ctx, txn, nil, nil); err != nil {
			t.Fatalf("seed posting %s: %v", key, err)
		}
	}
	seed("today", "100.00", time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC))
	seed("yesterday", "50.00", time.Date(2025, 6, 14, 10, 0, 0, 0, time.UTC))
	seed("last-month", "30.00", time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC))

	var captured limits.Usage
	_, _, err := store.CreatePosting(ctx, depositTxn(t, w1, "probe", "1.00"), nil,
		func(_ map[uuid.UUID]WalletRow, usage map[uuid.UUID]limits.Usage) error {
			captured = usage[w1]
			return nil
		})
	if err != nil {
		t.Fatalf("CreatePosting() error = %v", err)
	}

	if !captured.Daily.Equal(dec(t, "100.00")) {
		t.Fatalf("daily usage = %s, want 100.00", captured.Daily)
	}
	if !captured.Monthly.Equal(dec(t, "150.00")) {
		t.Fatalf("monthly usage = %s, want 150.00", captured.Monthly)
	}
}

func TestMemoryStoreFailedAttemptClaimsKey(t *testing.T) {
	ctx := context.Background()
	w1 := uuid.New()
	store := NewMemoryStore(fakeView{w1: activeRow(w1, "KES")})

	src := w1
	failed := Transaction{
		IdempotencyKey: "k-failed",
		Type:           TypeWithdrawal,
		Amount:         dec(t, "999.00"),
		Fee:            decimal.Zero,
		Currency:       "KES",
		SourceWalletID: &src,
		FailureReason:  "insufficient balance",
	}
	recorded, err := store.CreateFailed(ctx, failed, nil)
	if err != nil {
		t.Fatalf("CreateFailed() error = %v", err)
	}
	if recorded.Status != StatusFailed {
		t.Fatalf("Status = %s, want FAILED", recorded.Status)
	}

	if _, _, err := store.CreatePosting(ctx, depositTxn(t, w1, "k-failed", "10.00"), nil, nil); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("CreatePosting() with claimed key error = %v, want ErrDuplicateKey", err)
	}

	// The failed attempt moved no money.
	balance, _ := store.AccountBalance(ctx, WalletAccount(w1))
	if !balance.IsZero() {
		t.Fatalf("balance = %s after failed attempt, want 0", balance)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	w1, w2 := uuid.New(), uuid.New()
	store := NewMemoryStore(fakeView{w1: activeRow(w1, "KES"), w2: activeRow(w2, "KES")})

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { now = now.Add(time.Second); return now })

	for i, key := range []string{"a", "b", "c"} {
		dest := w1
		if i == 2 {
			dest = w2
		}
		if _, _, err := store.CreatePosting(ctx, depositTxn(t, dest, key, "10.00"), nil, nil); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}

	byWallet, total, err := store.ListTransactions(ctx, TransactionFilter{WalletID: w1})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if total != 2 || len(byWallet) != 2 {
		t.Fatalf("wallet filter returned %d/%d, want 2/2", len(byWallet), total)
	}
	if byWallet[0].InitiatedAt.Before(byWallet[1].InitiatedAt) {
		t.Fatal("transactions are not newest first")
	}

	paged, total, err := store.ListTransactions(ctx, TransactionFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListTransactions() paged error = %v", err)
	}
	if total != 3 || len(paged) != 1 {
		t.Fatalf("paged filter returned %d/%d, want 1/3", len(paged), total)
	}
}

func TestMemoryStoreOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	w1 := uuid.New()
	store := NewMemoryStore(fakeView{w1: activeRow(w1, "KES")})

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return now })

	env, _ := events.NewEnvelope(events.TypeTransactionCompleted, "k1", events.TransactionEvent{Type: "DEPOSIT"})
	outbound := []events.Outbound{{Topic: events.TopicTransactionEvents, Envelope: env}}
	if _, _, err := store.CreatePosting(ctx, depositTxn(t, w1, "k1", "10.00"), outbound, nil); err != nil {
		t.Fatalf("CreatePosting() error = %v", err)
	}

	msgs, err := store.ClaimPendingEvents(ctx, 10, time.Minute)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("first claim = %d rows (err %v), want 1", len(msgs), err)
	}
	if msgs[0].Attempts != 1 {
		t.Fatalf("Attempts = %d after first claim, want 1", msgs[0].Attempts)
	}

	// Claimed rows are invisible while the claim is fresh.
	if again, _ := store.ClaimPendingEvents(ctx, 10, time.Minute); len(again) != 0 {
		t.Fatalf("second claim returned %d rows, want 0", len(again))
	}

	// A failed publish reschedules the row for later.
	if err := store.MarkEventFailed(ctx, msgs[0].ID, 30*time.Second, "broker down"); err != nil {
		t.Fatalf("MarkEventFailed() error = %v", err)
	}
	if early, _ := store.ClaimPendingEvents(ctx, 10, time.Minute); len(early) != 0 {
		t.Fatalf("row claimable before its retry time")
	}
	now = now.Add(31 * time.Second)
	retried, _ := store.ClaimPendingEvents(ctx, 10, time.Minute)
	if len(retried) != 1 {
		t.Fatalf("claim after backoff = %d rows, want 1", len(retried))
	}
	if retried[0].Attempts != 2 {
		t.Fatalf("Attempts = %d after second claim, want 2", retried[0].Attempts)
	}

	if err := store.MarkEventPublished(ctx, retried[0].ID); err != nil {
		t.Fatalf("MarkEventPublished() error = %v", err)
	}
	now = now.Add(time.Hour)
	if final, _ := store.ClaimPendingEvents(ctx, 10, time.Minute); len(final) != 0 {
		t.Fatalf("published row was reclaimed")
	}
}

func TestMemoryStoreStaleClaimIsRecovered(t *testing.T) {
	ctx := context.Background()
	w1 := uuid.New()
	store := NewMemoryStore(fakeView{w1: activeRow(w1, "KES")})

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return now })

	env, _ := events.NewEnvelope(events.TypeTransactionCompleted, "k1", events.TransactionEvent{Type: "DEPOSIT"})
	if _, _, err := store.CreatePosting(ctx, depositTxn(t, w1, "k1", "10.00"),
		[]events.Outbound{{Topic: events.TopicTransactionEvents, Envelope: env}}, nil); err != nil {
		t.Fatalf("CreatePosting() error = %v", err)
	}

	if msgs, _ := store.ClaimPendingEvents(ctx, 10, time.Minute); len(msgs) != 1 {
		t.Fatal("initial claim failed")
	}

	// A dispatcher that died mid-claim loses the row after the stale window.
	now = now.Add(2 * time.Minute)
	recovered, _ := store.ClaimPendingEvents(ctx, 10, time.Minute)
	if len(recovered) != 1 {
		t.Fatalf("stale claim recovery = %d rows, want 1", len(recovered))
	}
	if recovered[0].Attempts != 2 {
		t.Fatalf("Attempts = %d after recovery, want 2", recovered[0].Attempts)
	}
}

// Postings of every type against random wallets must keep the books balanced:
// the signed sum across all accounts stays zero no matter the interleaving.
func TestMemoryStoreRandomPostingsStayBalanced(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	wallets := make([]uuid.UUID, 3)
	view := fakeView{}
	for i := range wallets {
		wallets[i] = uuid.New()
		view[wallets[i]] = activeRow(wallets[i], "KES")
	}
	store := NewMemoryStore(view)

	accounts := map[string]bool{CashAccount: true, FeeAccount: true}
	for _, w := range wallets {
		accounts[WalletAccount(w)] = true
	}

	for i := 0; i < 200; i++ {
		amount := decimal.NewFromInt(int64(rng.Intn(1000) + 1)).Div(decimal.NewFromInt(100))
		src := wallets[rng.Intn(len(wallets))]
		dst := wallets[rng.Intn(len(wallets))]
		for dst == src {
			dst = wallets[rng.Intn(len(wallets))]
		}

		txn := Transaction{
			IdempotencyKey: uuid.NewString(),
			Currency:       "KES",
			Amount:         amount,
			Fee:            decimal.Zero,
		}
		switch rng.Intn(3) {
		case 0:
			txn.Type = TypeDeposit
			txn.DestWalletID = &dst
		case 1:
			txn.Type = TypeWithdrawal
			txn.SourceWalletID = &src
			txn.Fee = decimal.NewFromInt(int64(rng.Intn(100))).Div(decimal.NewFromInt(100))
		default:
			txn.Type = TypeTransfer
			txn.SourceWalletID = &src
			txn.DestWalletID = &dst
		}

		_, entries, err := store.CreatePosting(ctx, txn, nil, nil)
		if err != nil {
			t.Fatalf("posting %d: %v", i, err)
		}
		if !Balanced(entries) {
			t.Fatalf("posting %d produced unbalanced entries", i)
		}
	}

	sum := decimal.Zero
	for account := range accounts {
		balance, err := store.AccountBalance(ctx, account)
		if err != nil {
			t.Fatalf("AccountBalance(%s): %v", account, err)
		}
		sum = sum.Add(balance)
	}
	if !sum.IsZero() {
		t.Fatalf("accounts sum to %s, want 0", sum)
	}
}

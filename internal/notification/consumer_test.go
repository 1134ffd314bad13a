package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []Message
	fail bool
}

func (n *captureNotifier) Send(_ context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func seedWallet(t *testing.T, repo *wallet.MemoryRepository) wallet.Wallet {
	t.Helper()
	w := wallet.Wallet{ID: uuid.New(), CustomerID: uuid.New(), Currency: "KES", Status: wallet.StatusActive, Balance: decimal.Zero}
	if err := repo.Create(context.Background(), w); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return w
}

func TestTransferNotifiesBothOwners(t *testing.T) {
	repo := wallet.NewMemoryRepository()
	source := seedWallet(t, repo)
	dest := seedWallet(t, repo)
	notifier := &captureNotifier{}
	consumer := NewConsumer(notifier, repo, nil)

	env, err := events.NewEnvelope(events.TypeTransactionCompleted, "t1", events.TransactionEvent{
		TransactionID:  uuid.New(),
		Type:           "TRANSFER",
		Amount:         decimal.RequireFromString("200.00"),
		Currency:       "KES",
		SourceWalletID: &source.ID,
		DestWalletID:   &dest.ID,
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := consumer.HandleTransactionEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(notifier.sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notifier.sent))
	}
	destinations := map[string]bool{}
	for _, msg := range notifier.sent {
		if msg.Kind != KindTransactionCompleted {
			t.Fatalf("expected kind %s, got %s", KindTransactionCompleted, msg.Kind)
		}
		destinations[msg.Destination] = true
	}
	if !destinations[source.CustomerID.String()] || !destinations[dest.CustomerID.String()] {
		t.Fatalf("expected both owners notified, got %v", destinations)
	}
}

func TestFailedTransactionCarriesReason(t *testing.T) {
	repo := wallet.NewMemoryRepository()
	source := seedWallet(t, repo)
	notifier := &captureNotifier{}
	consumer := NewConsumer(notifier, repo, nil)

	env, err := events.NewEnvelope(events.TypeTransactionFailed, "t2", events.TransactionEvent{
		TransactionID:  uuid.New(),
		Type:           "WITHDRAWAL",
		Amount:         decimal.RequireFromString("50.00"),
		Currency:       "KES",
		SourceWalletID: &source.ID,
		FailureReason:  "insufficient balance",
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := consumer.HandleTransactionEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(notifier.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.sent))
	}
	msg := notifier.sent[0]
	if msg.Kind != KindTransactionFailed {
		t.Fatalf("expected kind %s, got %s", KindTransactionFailed, msg.Kind)
	}
	if !strings.Contains(msg.Body, "insufficient balance") {
		t.Fatalf("expected reason in body, got %q", msg.Body)
	}
}

func TestKYCOutcomeNotifiesCustomer(t *testing.T) {
	notifier := &captureNotifier{}
	consumer := NewConsumer(notifier, wallet.NewMemoryRepository(), nil)
	customerID := uuid.New()

	env, err := events.NewEnvelope(events.TypeKYCRejected, customerID.String(), events.KYCEvent{
		CustomerID: customerID,
		Reason:     "document mismatch",
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := consumer.HandleKYCEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(notifier.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.sent))
	}
	msg := notifier.sent[0]
	if msg.Kind != KindKYCResult || msg.Destination != customerID.String() {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.Contains(msg.Body, "document mismatch") {
		t.Fatalf("expected reason in body, got %q", msg.Body)
	}
}

func TestSendFailureNeverBlocksTheStream(t *testing.T) {
	repo := wallet.NewMemoryRepository()
	dest := seedWallet(t, repo)
	notifier := &captureNotifier{fail: true}
	consumer := NewConsumer(notifier, repo, nil)

	env, err := events.NewEnvelope(events.TypeTransactionCompleted, "t3", events.TransactionEvent{
		TransactionID: uuid.New(),
		Type:          "DEPOSIT",
		Amount:        decimal.RequireFromString("10.00"),
		Currency:      "KES",
		DestWalletID:  &dest.ID,
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := consumer.HandleTransactionEvent(context.Background(), env); err != nil {
		t.Fatalf("send failures must not requeue, got %v", err)
	}
}

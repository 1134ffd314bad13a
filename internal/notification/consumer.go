package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

// WalletOwners resolves which customer a wallet notification goes to.
type WalletOwners interface {
	Get(ctx context.Context, id uuid.UUID) (wallet.Wallet, error)
}

// Consumer turns transaction and KYC events into notifications. Delivery is
// best effort: failures are logged and the event is still acknowledged, so
// the notification path can never stall money movement.
type Consumer struct {
	notifier Notifier
	wallets  WalletOwners
	logger   *slog.Logger
}

func NewConsumer(notifier Notifier, wallets WalletOwners, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{notifier: notifier, wallets: wallets, logger: logger}
}

// HandleTransactionEvent notifies the owner of every wallet the transaction
// touched.
func (c *Consumer) HandleTransactionEvent(ctx context.Context, env events.Envelope) error {
	var kind string
	switch env.Type {
	case events.TypeTransactionCompleted:
		kind = KindTransactionCompleted
	case events.TypeTransactionFailed:
		kind = KindTransactionFailed
	default:
		return nil
	}

	var evt events.TransactionEvent
	if err := env.Decode(&evt); err != nil {
		c.logger.Error("dropping undecodable transaction event",
			slog.String("event_id", env.ID.String()),
			slog.String("error", err.Error()))
		return nil
	}

	body := fmt.Sprintf("%s of %s %s completed", evt.Type, evt.Amount, evt.Currency)
	if kind == KindTransactionFailed {
		body = fmt.Sprintf("%s of %s %s failed: %s", evt.Type, evt.Amount, evt.Currency, evt.FailureReason)
	}

	for _, walletID := range []*uuid.UUID{evt.SourceWalletID, evt.DestWalletID} {
		if walletID == nil {
			continue
		}
		w, err := c.wallets.Get(ctx, *walletID)
		if err != nil {
			c.logger.Warn("cannot resolve wallet owner for notification",
				slog.String("wallet_id", walletID.String()),
				slog.String("error", err.Error()))
			continue
		}
		c.send(ctx, Message{Kind: kind, Destination: w.CustomerID.String(), Body: body})
	}
	return nil
}

// HandleKYCEvent notifies the customer of their verification outcome.
func (c *Consumer) HandleKYCEvent(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeKYCVerified && env.Type != events.TypeKYCRejected {
		return nil
	}

	var evt events.KYCEvent
	if err := env.Decode(&evt); err != nil {
		c.logger.Error("dropping undecodable kyc event",
			slog.String("event_id", env.ID.String()),
			slog.String("error", err.Error()))
		return nil
	}

	body := "Your identity verification was approved"
	if env.Type == events.TypeKYCRejected {
		body = "Your identity verification was rejected"
		if reason := strings.TrimSpace(evt.Reason); reason != "" {
			body += ": " + reason
		}
	}
	c.send(ctx, Message{Kind: KindKYCResult, Destination: evt.CustomerID.String(), Body: body})
	return nil
}

func (c *Consumer) send(ctx context.Context, msg Message) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Send(ctx, msg); err != nil {
		c.logger.Warn("notification delivery failed",
			slog.String("kind", msg.Kind),
			slog.String("destination", msg.Destination),
			slog.String("error", err.Error()))
	}
}

package customer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

// WalletProvisioner creates the default-currency wallet for new customers.
type WalletProvisioner interface {
	EnsureForCustomer(ctx context.Context, customerID uuid.UUID, currency string) (wallet.Wallet, error)
}

// Projector wires the identity and KYC event chains into the directory:
// USER_REGISTERED registers a customer and announces CUSTOMER_CREATED,
// CUSTOMER_CREATED provisions the default wallet, KYC outcomes update the
// customer status. Every step is idempotent, so redeliveries are harmless and
// failures requeue.
type Projector struct {
	directory *Directory
	wallets   WalletProvisioner
	publisher events.Publisher
	logger    *slog.Logger
}

func NewProjector(directory *Directory, wallets WalletProvisioner, publisher events.Publisher, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{directory: directory, wallets: wallets, publisher: publisher, logger: logger}
}

// HandleUserEvent consumes the identity provider's user-events topic.
func (p *Projector) HandleUserEvent(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeUserRegistered {
		return nil
	}

	var evt events.UserEvent
	if err := env.Decode(&evt); err != nil {
		p.logger.Error("dropping undecodable user event",
			slog.String("event_id", env.ID.String()),
			slog.String("error", err.Error()))
		return nil
	}
	if evt.UserID == "" {
		p.logger.Error("dropping user event without user id",
			slog.String("event_id", env.ID.String()))
		return nil
	}

	c, err := p.directory.Register(ctx, evt.UserID, evt.Email)
	if err != nil {
		return err
	}
	p.logger.Info("customer registered",
		slog.String("customer_id", c.ID.String()),
		slog.String("subject", c.Subject))

	created, err := events.NewEnvelope(events.TypeCustomerCreated, c.ID.String(), events.CustomerEvent{
		CustomerID: c.ID,
		UserID:     c.Subject,
		Email:      c.Email,
	})
	if err != nil {
		return err
	}
	// Register is an upsert, so requeueing after a publish failure replays
	// the whole step safely.
	return p.publisher.Publish(ctx, events.TopicCustomerEvents, created)
}

// HandleCustomerEvent consumes customer-events and provisions the default
// wallet for each new customer.
func (p *Projector) HandleCustomerEvent(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeCustomerCreated {
		return nil
	}

	var evt events.CustomerEvent
	if err := env.Decode(&evt); err != nil {
		p.logger.Error("dropping undecodable customer event",
			slog.String("event_id", env.ID.String()),
			slog.String("error", err.Error()))
		return nil
	}

	w, err := p.wallets.EnsureForCustomer(ctx, evt.CustomerID, "")
	if err != nil {
		return err
	}
	p.logger.Info("default wallet provisioned",
		slog.String("customer_id", evt.CustomerID.String()),
		slog.String("wallet_id", w.ID.String()))
	return nil
}

// HandleKYCEvent consumes kyc-events and applies the outcome to the customer.
// An unknown customer requeues: the registration event may still be in flight.
func (p *Projector) HandleKYCEvent(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeKYCVerified && env.Type != events.TypeKYCRejected {
		return nil
	}

	var evt events.KYCEvent
	if err := env.Decode(&evt); err != nil {
		p.logger.Error("dropping undecodable kyc event",
			slog.String("event_id", env.ID.String()),
			slog.String("error", err.Error()))
		return nil
	}

	c, err := p.directory.SetKYCOutcome(ctx, evt.CustomerID, env.Type == events.TypeKYCVerified)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.logger.Warn("kyc outcome for unknown customer, requeueing",
				slog.String("customer_id", evt.CustomerID.String()))
		}
		return err
	}
	p.logger.Info("customer status updated",
		slog.String("customer_id", c.ID.String()),
		slog.String("status", c.Status))
	return nil
}

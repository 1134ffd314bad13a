package wallet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/identity"
	"github.com/nyotapay/nyotapay/internal/ledger"
	"github.com/nyotapay/nyotapay/internal/middleware"
)

// CustomerResolver maps an authenticated subject to its customer id. The
// customer directory implements this.
type CustomerResolver interface {
	CustomerIDForSubject(ctx context.Context, subject string) (uuid.UUID, error)
}

// LedgerAudit exposes the read side of the ledger for per-wallet audit
// endpoints.
type LedgerAudit interface {
	EntriesForAccount(ctx context.Context, account string, limit, offset int32) ([]ledger.Entry, error)
	AccountBalance(ctx context.Context, account string) (decimal.Decimal, error)
}

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service  *Service
	resolver CustomerResolver
	audit    LedgerAudit
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service, resolver CustomerResolver, audit LedgerAudit) *Handler {
	return &Handler{service: service, resolver: resolver, audit: audit}
}

type createRequest struct {
	Currency string `json:"currency"`
}

type walletResponse struct {
	ID           uuid.UUID       `json:"id"`
	CustomerID   uuid.UUID       `json:"customer_id"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	Balance      decimal.Decimal `json:"balance"`
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toWalletResponse(w Wallet) walletResponse {
	return walletResponse{
		ID:           w.ID,
		CustomerID:   w.CustomerID,
		Currency:     w.Currency,
		Status:       w.Status,
		Balance:      w.Balance,
		DailyLimit:   w.DailyLimit,
		MonthlyLimit: w.MonthlyLimit,
		CreatedAt:    w.CreatedAt,
	}
}

// Create provisions a wallet for the authenticated customer.
func (h *Handler) Create(c *fiber.Ctx) error {
	customerID, err := h.callerCustomerID(c)
	if err != nil {
		return err
	}

	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	w, err := h.service.Create(c.UserContext(), customerID, req.Currency)
	if err != nil {
		if errors.Is(err, ErrExists) {
			return fiber.NewError(http.StatusConflict, "wallet already exists for this currency")
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(toWalletResponse(w))
}

// ListMine returns every wallet owned by the authenticated customer.
func (h *Handler) ListMine(c *fiber.Ctx) error {
	customerID, err := h.callerCustomerID(c)
	if err != nil {
		return err
	}

	wallets, err := h.service.ListByCustomer(c.UserContext(), customerID)
	if err != nil {
		return err
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, toWalletResponse(w))
	}
	return c.JSON(fiber.Map{"wallets": out})
}

// Get returns wallet metadata for the owner or an auditor.
func (h *Handler) Get(c *fiber.Ctx) error {
	w, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}
	return c.JSON(toWalletResponse(w))
}

// Balance returns the wallet's balance snapshot for the owner or an auditor.
func (h *Handler) Balance(c *fiber.Ctx) error {
	w, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}

	snap, err := h.service.GetBalance(c.UserContext(), w.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"wallet_id": snap.WalletID,
		"balance":   snap.Balance,
		"currency":  snap.Currency,
		"as_of":     snap.UpdatedAt,
	})
}

// LedgerEntries returns the double-entry rows recorded against the wallet's
// ledger account, newest first.
func (h *Handler) LedgerEntries(c *fiber.Ctx) error {
	w, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}

	limit := int32(c.QueryInt("limit", 50))
	offset := int32(c.QueryInt("offset", 0))
	entries, err := h.audit.EntriesForAccount(c.UserContext(), ledger.WalletAccount(w.ID), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"wallet_id": w.ID, "entries": entries})
}

// LedgerBalance returns the balance derived from ledger entries, which is the
// figure reconciliation compares the stored balance against.
func (h *Handler) LedgerBalance(c *fiber.Ctx) error {
	w, err := h.loadAuthorized(c)
	if err != nil {
		return err
	}

	balance, err := h.audit.AccountBalance(c.UserContext(), ledger.WalletAccount(w.ID))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"wallet_id": w.ID, "balance": balance, "currency": w.Currency})
}

func (h *Handler) callerCustomerID(c *fiber.Ctx) (uuid.UUID, error) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return uuid.Nil, fiber.NewError(http.StatusUnauthorized, "missing principal")
	}
	customerID, err := h.resolver.CustomerIDForSubject(c.UserContext(), p.Subject)
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusForbidden, "no customer profile for caller")
	}
	return customerID, nil
}

// loadAuthorized parses the wallet id, loads the wallet and verifies the
// caller owns it or carries the auditor role.
func (h *Handler) loadAuthorized(c *fiber.Ctx) (Wallet, error) {
	walletID, err := uuid.Parse(c.Params("walletId"))
	if err != nil {
		return Wallet{}, fiber.NewError(http.StatusBadRequest, "invalid wallet id")
	}

	w, err := h.service.Get(c.UserContext(), walletID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Wallet{}, fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return Wallet{}, err
	}

	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return Wallet{}, fiber.NewError(http.StatusUnauthorized, "missing principal")
	}
	if p.HasRole(identity.RoleAuditor) {
		return w, nil
	}
	customerID, err := h.resolver.CustomerIDForSubject(c.UserContext(), p.Subject)
	if err != nil || customerID != w.CustomerID {
		return Wallet{}, fiber.NewError(http.StatusForbidden, "not the wallet owner")
	}
	return w, nil
}

package transaction

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyotapay/nyotapay/internal/identity"
	"github.com/nyotapay/nyotapay/internal/ledger"
	"github.com/nyotapay/nyotapay/internal/limits"
	"github.com/nyotapay/nyotapay/internal/middleware"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

// Handler exposes transaction endpoints.
type Handler struct {
	service  *Service
	resolver wallet.CustomerResolver
}

// NewHandler constructs a transaction handler.
func NewHandler(service *Service, resolver wallet.CustomerResolver) *Handler {
	return &Handler{service: service, resolver: resolver}
}

type createRequest struct {
	Type           string            `json:"type"`
	Amount         decimal.Decimal   `json:"amount"`
	Fee            decimal.Decimal   `json:"fee"`
	Currency       string            `json:"currency"`
	SourceWalletID *uuid.UUID        `json:"source_wallet_id"`
	DestWalletID   *uuid.UUID        `json:"dest_wallet_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata"`
}

// Create posts a transaction. Fresh outcomes answer 201; replays of a known
// idempotency key answer 200 with the stored outcome.
func (h *Handler) Create(c *fiber.Ctx) error {
	customerID, err := h.callerCustomerID(c)
	if err != nil {
		return err
	}

	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	key := req.IdempotencyKey
	if key == "" {
		key = c.Get("X-Idempotency-Key")
	}
	if key == "" {
		key = c.Get("Idempotency-Key")
	}

	res, err := h.service.Create(c.UserContext(), CreateInput{
		Type:                ledger.TransactionType(req.Type),
		Amount:              req.Amount,
		Fee:                 req.Fee,
		Currency:            req.Currency,
		SourceWalletID:      req.SourceWalletID,
		DestWalletID:        req.DestWalletID,
		IdempotencyKey:      key,
		Metadata:            req.Metadata,
		RequestorCustomerID: customerID,
	})
	if err != nil {
		return asHTTPError(err)
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"transaction": res.Transaction,
		"entries":     res.Entries,
		"replayed":    res.Replayed,
	})
}

// Get returns one transaction with its ledger entries.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("transactionId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid transaction id")
	}
	viewer, err := h.viewerFrom(c)
	if err != nil {
		return err
	}

	txn, entries, err := h.service.Get(c.UserContext(), id, viewer)
	if err != nil {
		return asHTTPError(err)
	}
	return c.JSON(fiber.Map{"transaction": txn, "entries": entries})
}

// List returns transactions matching the query filters, newest first.
func (h *Handler) List(c *fiber.Ctx) error {
	viewer, err := h.viewerFrom(c)
	if err != nil {
		return err
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := c.QueryInt("page_size", 50)
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	filter := ledger.TransactionFilter{
		Type:   ledger.TransactionType(c.Query("type")),
		Status: ledger.Status(c.Query("status")),
		Limit:  int32(pageSize),
		Offset: int32((page - 1) * pageSize),
	}
	if raw := c.Query("wallet_id"); raw != "" {
		walletID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid wallet id")
		}
		filter.WalletID = walletID
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "from must be RFC 3339")
		}
		filter.From = from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "to must be RFC 3339")
		}
		filter.To = to
	}

	txns, total, err := h.service.List(c.UserContext(), filter, viewer)
	if err != nil {
		return asHTTPError(err)
	}
	return c.JSON(fiber.Map{
		"transactions": txns,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
	})
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

func (h *Handler) viewerFrom(c *fiber.Ctx) (Viewer, error) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return Viewer{}, fiber.NewError(http.StatusUnauthorized, "missing principal")
	}
	if p.HasRole(identity.RoleAuditor) {
		return Viewer{Auditor: true}, nil
	}
	customerID, err := h.resolver.CustomerIDForSubject(c.UserContext(), p.Subject)
	if err != nil {
		return Viewer{}, fiber.NewError(http.StatusForbidden, "no customer profile for caller")
	}
	return Viewer{CustomerID: customerID}, nil
}

// asHTTPError maps service errors onto response codes: invalid requests 400,
// business rejections 422, unknown resources 404, foreign wallets 403.
func asHTTPError(err error) error {
	var (
		validation   *ValidationError
		insufficient *InsufficientBalanceError
		notActive    *WalletNotActiveError
		exceeded     *limits.ExceededError
		noWallet     ledger.WalletNotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return fiber.NewError(http.StatusBadRequest, validation.Error())
	case errors.As(err, &insufficient), errors.As(err, &notActive), errors.As(err, &exceeded),
		errors.Is(err, ErrCurrencyMismatch):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &noWallet), errors.Is(err, wallet.ErrNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		return fiber.NewError(http.StatusForbidden, ErrNotOwner.Error())
	default:
		return err
	}
}

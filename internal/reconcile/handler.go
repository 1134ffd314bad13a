package reconcile

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/nyotapay/nyotapay/internal/wallet"
)

// Handler exposes reconciliation reports. Routes mounting it must require the
// auditor role.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WalletReport reconciles one wallet on demand.
func (h *Handler) WalletReport(c *fiber.Ctx) error {
	walletID, err := uuid.Parse(c.Params("walletId"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid wallet id")
	}

	report, err := h.service.Reconcile(c.UserContext(), walletID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return err
	}
	return c.JSON(report)
}

// Sweep runs a full reconciliation pass and returns the summary.
func (h *Handler) Sweep(c *fiber.Ctx) error {
	summary, err := h.service.ReconcileAll(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(summary)
}

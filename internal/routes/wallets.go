package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nyotapay/nyotapay/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets", h.ListMine)
	r.Get("/wallets/:walletId", h.Get)
	r.Get("/wallets/:walletId/balance", h.Balance)
	r.Get("/wallets/:walletId/ledger", h.LedgerEntries)
	r.Get("/wallets/:walletId/ledger/balance", h.LedgerBalance)
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nyotapay/nyotapay/internal/transaction"
)

// RegisterTransactionRoutes wires transaction endpoints.
func RegisterTransactionRoutes(r fiber.Router, h *transaction.Handler) {
	r.Post("/transactions", h.Create)
	r.Get("/transactions", h.List)
	r.Get("/transactions/:transactionId", h.Get)
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nyotapay/nyotapay/internal/customer"
)

// RegisterCustomerRoutes wires customer profile endpoints.
func RegisterCustomerRoutes(r fiber.Router, h *customer.Handler) {
	r.Get("/customers/me", h.Me)
}

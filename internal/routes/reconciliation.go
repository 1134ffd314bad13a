package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nyotapay/nyotapay/internal/identity"
	"github.com/nyotapay/nyotapay/internal/middleware"
	"github.com/nyotapay/nyotapay/internal/reconcile"
)

// RegisterReconciliationRoutes wires reconciliation endpoints. Reports are
// auditor only; the sweep also admits service principals so ops tooling can
// trigger it.
func RegisterReconciliationRoutes(r fiber.Router, h *reconcile.Handler) {
	r.Get("/wallets/:walletId/reconciliation", middleware.RequireRole(identity.RoleAuditor), h.WalletReport)
	r.Post("/reconciliation/sweep", middleware.RequireRole(identity.RoleAuditor, identity.RoleService), h.Sweep)
}

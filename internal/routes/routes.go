package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nyotapay/nyotapay/internal/config"
	"github.com/nyotapay/nyotapay/internal/customer"
	"github.com/nyotapay/nyotapay/internal/identity"
	"github.com/nyotapay/nyotapay/internal/middleware"
	"github.com/nyotapay/nyotapay/internal/reconcile"
	"github.com/nyotapay/nyotapay/internal/transaction"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Verifier identity.Verifier

	Wallets        *wallet.Handler
	Transactions   *transaction.Handler
	Customers      *customer.Handler
	Reconciliation *reconcile.Handler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Verifier == nil {
		return fmt.Errorf("token verifier is required")
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Metrics())
	app.Use(middleware.Audit(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Everything beyond ping requires a verified principal.
	protected := api.Group("", middleware.Auth(d.Verifier))
	RegisterCustomerRoutes(protected, d.Customers)
	RegisterWalletRoutes(protected, d.Wallets)
	RegisterTransactionRoutes(protected, d.Transactions)
	RegisterReconciliationRoutes(protected, d.Reconciliation)

	return nil
}

package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/nyotapay/nyotapay/internal/identity"
)

func setupAuthApp(t *testing.T) *fiber.App {
	t.Helper()

	verifier := identity.StaticVerifier{
		"customer-token": {Subject: "user-1", Email: "user1@example.com", Roles: []string{identity.RoleCustomer}},
		"auditor-token":  {Subject: "ops-1", Roles: []string{identity.RoleCustomer, identity.RoleAuditor}},
	}

	app := fiber.New()
	app.Use(Auth(verifier))
	app.Get("/me", func(c *fiber.Ctx) error {
		p, ok := PrincipalFrom(c)
		if !ok {
			return fiber.NewError(fiber.StatusInternalServerError, "principal missing")
		}
		return c.JSON(fiber.Map{"subject": p.Subject})
	})
	app.Get("/audit", RequireRole(identity.RoleAuditor), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	return app
}

func TestAuthStoresPrincipal(t *testing.T) {
	app := setupAuthApp(t)

	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer customer-token")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected %d got %d", fiber.StatusOK, resp.StatusCode)
	}
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	app := setupAuthApp(t)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/me", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected %d got %d", fiber.StatusUnauthorized, resp.StatusCode)
	}
}

func TestAuthRejectsUnknownToken(t *testing.T) {
	app := setupAuthApp(t)

	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer forged")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected %d got %d", fiber.StatusUnauthorized, resp.StatusCode)
	}
}

func TestRequireRoleEnforcesRole(t *testing.T) {
	app := setupAuthApp(t)

	req := httptest.NewRequest(fiber.MethodGet, "/audit", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer customer-token")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("customer on auditor route: expected %d got %d", fiber.StatusForbidden, resp.StatusCode)
	}

	req = httptest.NewRequest(fiber.MethodGet, "/audit", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer auditor-token")

	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("auditor on auditor route: expected %d got %d", fiber.StatusNoContent, resp.StatusCode)
	}
}

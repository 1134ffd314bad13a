package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/nyotapay/nyotapay/internal/config"
	"github.com/nyotapay/nyotapay/internal/routes"
)

func TestErrorHandlerRendersStableCategories(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler})
	app.Get("/rejected", func(c *fiber.Ctx) error {
		return fiber.NewError(http.StatusUnprocessableEntity, "daily limit exceeded")
	})
	app.Get("/missing", func(c *fiber.Ctx) error {
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("connection reset by postgres")
	})

	cases := []struct {
		path        string
		wantStatus  int
		wantError   string
		wantMessage string
	}{
		{"/rejected", http.StatusUnprocessableEntity, "rejected", "daily limit exceeded"},
		{"/missing", http.StatusNotFound, "not_found", "wallet not found"},
		// Internal failures must not leak their cause to the client.
		{"/boom", http.StatusInternalServerError, "internal", "internal server error"},
	}
	for _, tc := range cases {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, tc.path, nil))
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		if resp.StatusCode != tc.wantStatus {
			t.Fatalf("GET %s: status %d, want %d", tc.path, resp.StatusCode, tc.wantStatus)
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("GET %s: read body: %v", tc.path, err)
		}
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("GET %s: decode %q: %v", tc.path, raw, err)
		}
		if body.Error != tc.wantError || body.Message != tc.wantMessage {
			t.Fatalf("GET %s: body %q/%q, want %q/%q", tc.path, body.Error, body.Message, tc.wantError, tc.wantMessage)
		}
	}
}

func TestNewRejectsMissingVerifier(t *testing.T) {
	_, err := New(routes.Deps{Cfg: config.Config{AppEnv: "test"}})
	if err == nil {
		t.Fatal("expected an error without a token verifier")
	}
}

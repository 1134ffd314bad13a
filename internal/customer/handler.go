package customer

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/nyotapay/nyotapay/internal/middleware"
)

// Handler exposes the authenticated caller's customer profile.
type Handler struct {
	directory *Directory
}

func NewHandler(directory *Directory) *Handler {
	return &Handler{directory: directory}
}

// Me returns the caller's customer record.
func (h *Handler) Me(c *fiber.Ctx) error {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing principal")
	}

	cust, err := h.directory.GetBySubject(c.UserContext(), p.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "no customer profile for caller")
		}
		return err
	}
	return c.JSON(cust)
}

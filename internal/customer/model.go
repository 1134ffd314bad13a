package customer

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Customer statuses. New registrations start PENDING_KYC; the KYC outcome
// moves them to ACTIVE or REJECTED.
const (
	StatusPendingKYC = "PENDING_KYC"
	StatusActive     = "ACTIVE"
	StatusRejected   = "REJECTED"
)

var ErrNotFound = errors.New("customer not found")

// Customer is the local view of a profile owned by the customer service,
// materialized from its events. Subject is the identity provider's stable
// user id.
type Customer struct {
	ID        uuid.UUID `json:"id"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package customer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Directory resolves subjects to customers and tracks their lifecycle. It is
// the local stand-in for the customer service's data.
type Directory struct {
	repo Repository
}

func NewDirectory(repo Repository) *Directory {
	return &Directory{repo: repo}
}

// Register records a newly registered user as a PENDING_KYC customer. Calling
// it again for the same subject returns the existing customer.
func (d *Directory) Register(ctx context.Context, subject, email string) (Customer, error) {
	if subject == "" {
		return Customer{}, errors.New("subject is required")
	}
	now := time.Now().UTC()
	return d.repo.Upsert(ctx, Customer{
		ID:        uuid.New(),
		Subject:   subject,
		Email:     email,
		Status:    StatusPendingKYC,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// CustomerIDForSubject resolves an authenticated subject to its customer id.
func (d *Directory) CustomerIDForSubject(ctx context.Context, subject string) (uuid.UUID, error) {
	c, err := d.repo.GetBySubject(ctx, subject)
	if err != nil {
		return uuid.Nil, err
	}
	return c.ID, nil
}

func (d *Directory) Get(ctx context.Context, id uuid.UUID) (Customer, error) {
	return d.repo.Get(ctx, id)
}

func (d *Directory) GetBySubject(ctx context.Context, subject string) (Customer, error) {
	return d.repo.GetBySubject(ctx, subject)
}

// SetKYCOutcome moves the customer to ACTIVE or REJECTED.
func (d *Directory) SetKYCOutcome(ctx context.Context, customerID uuid.UUID, verified bool) (Customer, error) {
	status := StatusActive
	if !verified {
		status = StatusRejected
	}
	return d.repo.SetStatus(ctx, customerID, status)
}

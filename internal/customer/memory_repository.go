package customer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository for dev mode and tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	bySubject map[string]Customer
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bySubject: make(map[string]Customer),
		now:       time.Now,
	}
}

func (r *MemoryRepository) Upsert(_ context.Context, c Customer) (Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySubject[c.Subject]; ok {
		existing.Email = c.Email
		existing.UpdatedAt = c.UpdatedAt
		r.bySubject[c.Subject] = existing
		return existing, nil
	}
	r.bySubject[c.Subject] = c
	return c, nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.bySubject {
		if c.ID == id {
			return c, nil
		}
	}
	return Customer{}, ErrNotFound
}

func (r *MemoryRepository) GetBySubject(_ context.Context, subject string) (Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bySubject[subject]
	if !ok {
		return Customer{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepository) SetStatus(_ context.Context, id uuid.UUID, status string) (Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for subject, c := range r.bySubject {
		if c.ID == id {
			c.Status = status
			c.UpdatedAt = r.now().UTC()
			r.bySubject[subject] = c
			return c, nil
		}
	}
	return Customer{}, ErrNotFound
}

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyotapay/nyotapay/internal/metrics"
)

type lease struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker for dev mode and tests. It enforces
// the same token and expiry semantics as the Redis implementation.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

// SetNow overrides the clock in tests.
func (l *MemoryLocker) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLocker) TryAcquire(_ context.Context, resource string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[resource]; ok && l.now().Before(cur.expires) {
		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		return "", ErrNotAcquired
	}
	token := uuid.NewString()
	l.leases[resource] = lease{token: token, expires: l.now().Add(ttl)}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return token, nil
}

func (l *MemoryLocker) Release(_ context.Context, resource, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[resource]
	if !ok || cur.token != token || !l.now().Before(cur.expires) {
		return false, nil
	}
	delete(l.leases, resource)
	return true, nil
}

// Package lock provides short-lived exclusive leases on named resources.
// Leases carry a fencing token and expire on their own, so a crashed holder
// never wedges the resource.
package lock

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrNotAcquired reports that the resource is currently leased elsewhere.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker grants leases. TryAcquire returns a token that only the holder
// knows; Release is a no-op unless the token still owns the lease, which
// keeps an expired holder from releasing its successor's lease.
type Locker interface {
	TryAcquire(ctx context.Context, resource string, ttl time.Duration) (string, error)
	Release(ctx context.Context, resource, token string) (bool, error)
}

// AcquireWithRetry polls TryAcquire until the lease is granted or ctx ends.
// Polls are jittered around the given interval so contending holders do not
// retry in step. Callers bound the wait through ctx.
func AcquireWithRetry(ctx context.Context, l Locker, resource string, ttl, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for {
		token, err := l.TryAcquire(ctx, resource, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return "", err
		}
		wait := poll/2 + time.Duration(rand.Int63n(int64(poll)))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

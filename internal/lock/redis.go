package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nyotapay/nyotapay/internal/metrics"
)

const keyPrefix = "lock:"

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was re-granted is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker leases resources through SET NX with a per-lease token. Expiry
// is enforced by Redis, so leases survive holder crashes but not forever.
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyPrefix+resource, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		return "", ErrNotAcquired
	}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return token, nil
}

func (l *RedisLocker) Release(ctx context.Context, resource, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + resource}, token).Result()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected release response shape: %T", res)
	}
	return n == 1, nil
}

package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nyotapay/nyotapay/internal/metrics"
)

const cacheKeyPrefix = "wallet:balance:"

// Cache keeps recent balance snapshots in Redis so balance reads do not hit
// the primary store. A nil *Cache is valid and disables caching.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewCache(client redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached snapshot for a wallet, if present. Cache failures
// are reported as misses so callers fall through to the repository.
func (c *Cache) Get(ctx context.Context, walletID uuid.UUID) (Snapshot, bool) {
	if c == nil {
		return Snapshot{}, false
	}
	raw, err := c.client.Get(ctx, cacheKeyPrefix+walletID.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheReads.WithLabelValues("miss").Inc()
		} else {
			metrics.CacheReads.WithLabelValues("error").Inc()
		}
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		metrics.CacheReads.WithLabelValues("error").Inc()
		return Snapshot{}, false
	}
	metrics.CacheReads.WithLabelValues("hit").Inc()
	return snap, true
}

// Put stores a snapshot under the wallet's key for the configured TTL.
func (c *Cache) Put(ctx context.Context, snap Snapshot) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKeyPrefix+snap.WalletID.String(), raw, c.ttl).Err()
}

// Invalidate drops the cached snapshot for a wallet.
func (c *Cache) Invalidate(ctx context.Context, walletID uuid.UUID) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKeyPrefix+walletID.String()).Err()
}

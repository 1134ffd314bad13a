package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisLocker(client), mr
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	l, _ := setupRedisLocker(t)
	ctx := context.Background()

	token, err := l.TryAcquire(ctx, "wallet:w1", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	if _, err := l.TryAcquire(ctx, "wallet:w1", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second TryAcquire() error = %v, want ErrNotAcquired", err)
	}

	released, err := l.Release(ctx, "wallet:w1", token)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !released {
		t.Fatal("Release() = false, want true")
	}

	if _, err := l.TryAcquire(ctx, "wallet:w1", time.Minute); err != nil {
		t.Fatalf("TryAcquire() after release error = %v", err)
	}
}

func TestRedisLockerWrongTokenDoesNotRelease(t *testing.T) {
	l, mr := setupRedisLocker(t)
	ctx := context.Background()

	if _, err := l.TryAcquire(ctx, "wallet:w1", time.Minute); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	released, err := l.Release(ctx, "wallet:w1", "stale-token")
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if released {
		t.Fatal("Release() with wrong token = true, want false")
	}
	if !mr.Exists("lock:wallet:w1") {
		t.Fatal("lease key was deleted by a non-owner")
	}
}

func TestRedisLockerLeaseExpires(t *testing.T) {
	l, mr := setupRedisLocker(t)
	ctx := context.Background()

	token, err := l.TryAcquire(ctx, "wallet:w1", 5*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	mr.FastForward(6 * time.Second)

	if _, err := l.TryAcquire(ctx, "wallet:w1", 5*time.Second); err != nil {
		t.Fatalf("TryAcquire() after expiry error = %v", err)
	}

	released, err := l.Release(ctx, "wallet:w1", token)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if released {
		t.Fatal("Release() of expired lease = true, want false")
	}
}

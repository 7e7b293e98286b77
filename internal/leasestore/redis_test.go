package leasestore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/twin-collab/internal/types"
)

func testRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("TWIN_COLLAB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TWIN_COLLAB_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "leasestore-test:"+uuid.NewString()+":")
}

func TestRedisOwnerChecks(t *testing.T) {
	store := testRedis(t)
	ctx := context.Background()

	ok, err := store.TryPut(ctx, "k", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first put: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.TryPut(ctx, "k", "b", time.Minute); ok {
		t.Fatalf("second put must not win")
	}
	if ok, _ := store.Extend(ctx, "k", "b", time.Minute); ok {
		t.Fatalf("non-owner extended the key")
	}
	if ok, _ := store.Extend(ctx, "k", "a", time.Minute); !ok {
		t.Fatalf("owner could not extend")
	}
	if ok, _ := store.Delete(ctx, "k", "b"); ok {
		t.Fatalf("non-owner deleted the key")
	}
	if value, found, err := store.Get(ctx, "k"); err != nil || !found || value != "a" {
		t.Fatalf("get: %q %v %v", value, found, err)
	}
	if ok, _ := store.Delete(ctx, "k", "a"); !ok {
		t.Fatalf("owner could not delete")
	}
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Fatalf("key survived delete")
	}
}

func TestRedisExpiry(t *testing.T) {
	store := testRedis(t)
	ctx := context.Background()
	if ok, err := store.TryPut(ctx, "short", "a", 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	time.Sleep(120 * time.Millisecond)
	if ok, err := store.TryPut(ctx, "short", "b", time.Minute); err != nil || !ok {
		t.Fatalf("expired key should be reusable: ok=%v err=%v", ok, err)
	}
}

func TestRedisFailureIsStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	store := NewRedis(client, "x:")
	_, err := store.TryPut(context.Background(), "k", "v", time.Second)
	if !errors.Is(err, types.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

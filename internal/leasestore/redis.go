package leasestore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/twin-collab/internal/types"
)

// extendScript resets the expiry only when the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// deleteScript removes the key only when the caller still owns it.
var deleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis implements Store on top of SET NX PX and owner-checked Lua scripts.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis constructs a Redis-backed lease store. All keys are namespaced
// with prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// TryPut implements Store.
func (r *Redis) TryPut(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := r.client.SetNX(ctx, r.prefix+key, value, ttl).Result()
	observe("try_put", start, err)
	if err != nil {
		return false, types.StoreError("lease store try-put", err)
	}
	return ok, nil
}

// Extend implements Store.
func (r *Redis) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	n, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, value, ttl.Milliseconds()).Int()
	observe("extend", start, err)
	if err != nil {
		return false, types.StoreError("lease store extend", err)
	}
	return n == 1, nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		observe("get", start, nil)
		return "", false, nil
	}
	observe("get", start, err)
	if err != nil {
		return "", false, types.StoreError("lease store get", err)
	}
	return value, true, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key, value string) (bool, error) {
	start := time.Now()
	var (
		n   int64
		err error
	)
	if value == "" {
		n, err = r.client.Del(ctx, r.prefix+key).Result()
	} else {
		n, err = deleteScript.Run(ctx, r.client, []string{r.prefix + key}, value).Int64()
	}
	observe("delete", start, err)
	if err != nil {
		return false, types.StoreError("lease store delete", err)
	}
	return n == 1, nil
}

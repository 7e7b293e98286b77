package presence

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/events"
	"github.com/example/twin-collab/internal/types"
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, evt)
}

func TestUpdateRejectsInvalidPathWithoutTouchingRedis(t *testing.T) {
	rec := &recorder{}
	svc := NewService(nil, rec, clock.NewManual(time.Unix(0, 0)), 0, zerolog.New(io.Discard))
	err := svc.Update(context.Background(), "twin-1", "s-a", "alice", "root/../x")
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(rec.got) != 0 {
		t.Fatalf("no event expected for invalid update")
	}
}

func redisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("TWIN_COLLAB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TWIN_COLLAB_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRosterRoundTripAgainstRedis(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	rec := &recorder{}
	svc := NewService(client, rec, clock.Real{}, time.Minute, zerolog.New(io.Discard))
	svc.prefix = "presence-test:" + uuid.NewString() + ":"

	twin := types.TwinID("twin-1")
	if err := svc.Update(ctx, twin, "s-b", "bob", "root/b"); err != nil {
		t.Fatalf("update b: %v", err)
	}
	if err := svc.Update(ctx, twin, "s-a", "alice", "/root/a/"); err != nil {
		t.Fatalf("update a: %v", err)
	}
	roster, err := svc.Roster(ctx, twin)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 2 || roster[0].Session != "s-a" || roster[0].Path != "root/a" {
		t.Fatalf("unexpected roster %+v", roster)
	}

	svc.Clear(ctx, twin, "s-a")
	roster, err = svc.Roster(ctx, twin)
	if err != nil {
		t.Fatalf("roster after clear: %v", err)
	}
	if len(roster) != 1 || roster[0].Session != "s-b" {
		t.Fatalf("unexpected roster after clear %+v", roster)
	}
	svc.Clear(ctx, twin, "s-b")

	if len(rec.got) != 4 || !rec.got[0].Active || rec.got[2].Active || rec.got[2].Reason != "disconnected" {
		t.Fatalf("unexpected presence events %+v", rec.got)
	}
}

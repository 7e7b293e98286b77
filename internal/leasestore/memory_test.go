package leasestore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/twin-collab/internal/clock"
)

func TestMemoryTryPutIsCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	store := NewMemory(clk)

	ok, err := store.TryPut(ctx, "k", "a", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("first put: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.TryPut(ctx, "k", "b", 5*time.Second); ok {
		t.Fatalf("second put must fail while key is live")
	}

	clk.Advance(5 * time.Second)
	if ok, _ := store.TryPut(ctx, "k", "b", 5*time.Second); !ok {
		t.Fatalf("put should succeed once the previous value expired")
	}
	if v, ok, _ := store.Get(ctx, "k"); !ok || v != "b" {
		t.Fatalf("expected b, got %q ok=%v", v, ok)
	}
}

func TestMemoryExtendAndDeleteRequireOwnership(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(0, 0))
	store := NewMemory(clk)

	if _, err := store.TryPut(ctx, "k", "owner", 5*time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, _ := store.Extend(ctx, "k", "intruder", time.Minute); ok {
		t.Fatalf("extend by non-owner must fail")
	}
	if ok, _ := store.Extend(ctx, "k", "owner", time.Minute); !ok {
		t.Fatalf("extend by owner should succeed")
	}
	clk.Advance(30 * time.Second)
	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatalf("extended key should still be live")
	}
	if ok, _ := store.Delete(ctx, "k", "intruder"); ok {
		t.Fatalf("delete by non-owner must fail")
	}
	if ok, _ := store.Delete(ctx, "k", "owner"); !ok {
		t.Fatalf("delete by owner should succeed")
	}
	if ok, _ := store.Extend(ctx, "k", "owner", time.Minute); ok {
		t.Fatalf("extend after delete must fail")
	}
}

func TestMemoryTryPutSingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(nil)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.TryPut(ctx, "contended", "x", time.Minute); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

package playback

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/twin-collab/internal/state"
	"github.com/example/twin-collab/internal/types"
)

func entryAt(seq int64, at time.Time) cacheEntry {
	return cacheEntry{
		Snapshot: state.Snapshot{
			Components:     map[string]types.PropertyMap{"root": {"seq": float64(seq)}},
			AppliedThrough: seq,
			Watermarks:     types.VectorClock{"s-a": uint64(seq)},
		},
		LastAppliedAt: &at,
	}
}

func TestCachePicksMostAdvancedEntryWithinCursor(t *testing.T) {
	base := time.Unix(100, 0).UTC()
	c := newStateCache(4)
	c.Put("twin-1", entryAt(2, base.Add(2*time.Second)))
	c.Put("twin-1", entryAt(5, base.Add(5*time.Second)))
	c.Put("twin-2", entryAt(9, base.Add(9*time.Second)))

	got, ok := c.Get("twin-1", cursor{applySeq: 4})
	if !ok {
		t.Fatalf("expected a cached entry at or below seq 4")
	}
	if diff := cmp.Diff(entryAt(2, base.Add(2*time.Second)).Snapshot, got.Snapshot); diff != "" {
		t.Fatalf("unexpected snapshot (-want +got):\n%s", diff)
	}

	at := base.Add(6 * time.Second)
	got, ok = c.Get("twin-1", cursor{at: &at})
	if !ok || got.Snapshot.AppliedThrough != 5 {
		t.Fatalf("expected entry 5 for time cursor, got %+v %v", got.Snapshot, ok)
	}

	early := base.Add(time.Second)
	if _, ok := c.Get("twin-1", cursor{at: &early}); ok {
		t.Fatalf("no entry was resolved before the time cursor")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	base := time.Unix(100, 0).UTC()
	c := newStateCache(2)
	c.Put("twin-1", entryAt(1, base))
	c.Put("twin-1", entryAt(2, base))
	if _, ok := c.Get("twin-1", cursor{applySeq: 1}); !ok {
		t.Fatalf("expected entry 1")
	}
	c.Put("twin-1", entryAt(3, base))

	if c.Len() != 2 {
		t.Fatalf("expected capacity to bound the cache, got %d", c.Len())
	}
	if got, ok := c.Get("twin-1", cursor{applySeq: 2}); !ok || got.Snapshot.AppliedThrough != 1 {
		t.Fatalf("entry 2 should have been evicted, got %+v %v", got.Snapshot, ok)
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := newStateCache(1)
	c.Put("twin-1", entryAt(1, time.Unix(0, 0)))
	got, _ := c.Get("twin-1", cursor{applySeq: 1})
	got.Snapshot.Components["root"]["seq"] = "mutated"

	again, _ := c.Get("twin-1", cursor{applySeq: 1})
	if again.Snapshot.Components["root"]["seq"] != float64(1) {
		t.Fatalf("cached entry was mutated through a returned copy")
	}
}

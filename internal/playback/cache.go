package playback

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/twin-collab/internal/state"
	"github.com/example/twin-collab/internal/types"
)

type cacheKey struct {
	Twin     types.TwinID
	ApplySeq int64
}

// cacheEntry stores a rebuilt state for a particular apply sequence.
type cacheEntry struct {
	Snapshot      state.Snapshot
	BaseVersion   int64
	LastAppliedAt *time.Time
}

type stateCache struct {
	entries *lru.Cache[cacheKey, cacheEntry]
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	entries, _ := lru.New[cacheKey, cacheEntry](capacity)
	return &stateCache{entries: entries}
}

// Get returns the most advanced cached state that does not pass the cursor.
func (c *stateCache) Get(twin types.TwinID, cur cursor) (cacheEntry, bool) {
	var (
		bestKey cacheKey
		found   bool
	)
	for _, key := range c.entries.Keys() {
		if key.Twin != twin {
			continue
		}
		if cur.applySeq > 0 && key.ApplySeq > cur.applySeq {
			continue
		}
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if cur.at != nil && (entry.LastAppliedAt == nil || entry.LastAppliedAt.After(*cur.at)) {
			continue
		}
		if !found || key.ApplySeq > bestKey.ApplySeq {
			bestKey = key
			found = true
		}
	}
	if !found {
		return cacheEntry{}, false
	}

	entry, ok := c.entries.Get(bestKey)
	if !ok {
		return cacheEntry{}, false
	}
	return cloneEntry(entry), true
}

func (c *stateCache) Put(twin types.TwinID, entry cacheEntry) {
	entry = cloneEntry(entry)
	c.entries.Add(cacheKey{Twin: twin, ApplySeq: entry.Snapshot.AppliedThrough}, entry)
}

func (c *stateCache) Len() int { return c.entries.Len() }

func cloneEntry(e cacheEntry) cacheEntry {
	components := make(map[string]types.PropertyMap, len(e.Snapshot.Components))
	for path, props := range e.Snapshot.Components {
		components[path] = props.Clone()
	}
	e.Snapshot.Components = components
	e.Snapshot.Watermarks = e.Snapshot.Watermarks.Clone()
	return e
}

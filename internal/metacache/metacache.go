// Package metacache is the Dataset Metadata Cache referenced by the Prompt
// Builder (§4.1 step 3, "column metadata for files currently in scope"): a
// TTL-bounded cache from file path to lightweight dataset profile, avoiding
// re-reading and re-profiling a dataset on every planning cycle.
package metacache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basegraph-relay/reactor/internal/store"
)

// ttl bounds how long a cached profile is trusted without re-checking the
// blob's ETag/LastModified.
const ttl = 10 * time.Minute

// Profile is the lightweight dataset summary the Prompt Builder embeds in a
// planning prompt.
type Profile struct {
	Columns  []string         `json:"columns"`
	RowCount int              `json:"row_count"`
	DTypes   map[string]string `json:"dtypes"`
	Stats    map[string]any    `json:"stats"`
}

type entry struct {
	profile      Profile
	etag         string
	lastModified time.Time
	cachedAt     time.Time
}

// Profiler computes a Profile for a dataset's raw bytes. The cache does not
// know how to parse CSV/Arrow itself; it is handed a Profiler at
// construction so the parsing concern stays outside the caching concern.
type Profiler func(data []byte) (Profile, error)

// Cache is a change-aware, TTL-bounded dataset profile cache.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	blobs    store.BlobStore
	profiler Profiler
}

// New builds a Cache backed by blobs, using profiler to compute a fresh
// Profile on a miss or on staleness.
func New(blobs store.BlobStore, profiler Profiler) *Cache {
	return &Cache{
		entries:  make(map[string]entry),
		blobs:    blobs,
		profiler: profiler,
	}
}

// Get returns the Profile for key, from cache if fresh, recomputed
// otherwise. Freshness is judged first by TTL, then, past TTL, by whether
// the blob's ETag/LastModified changed since the cached profile was built.
func (c *Cache) Get(ctx context.Context, key string) (Profile, error) {
	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()

	if ok && time.Since(cached.cachedAt) < ttl {
		return cached.profile, nil
	}

	stat, err := c.blobs.Stat(ctx, key)
	if err != nil {
		return Profile{}, fmt.Errorf("stat dataset %q: %w", key, err)
	}

	if ok && cached.etag == stat.ETag && cached.lastModified.Equal(stat.LastModified) {
		c.touch(key, cached)
		return cached.profile, nil
	}

	data, err := c.blobs.Get(ctx, key)
	if err != nil {
		return Profile{}, fmt.Errorf("read dataset %q: %w", key, err)
	}
	profile, err := c.profiler(data)
	if err != nil {
		return Profile{}, fmt.Errorf("profile dataset %q: %w", key, err)
	}

	fresh := entry{
		profile:      profile,
		etag:         stat.ETag,
		lastModified: stat.LastModified,
		cachedAt:     time.Now(),
	}
	c.mu.Lock()
	c.entries[key] = fresh
	c.mu.Unlock()
	return profile, nil
}

// Invalidate drops a cached entry, used after an atom run is known to have
// overwritten key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache) touch(key string, e entry) {
	e.cachedAt = time.Now()
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

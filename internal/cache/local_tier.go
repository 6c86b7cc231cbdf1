package cache

import (
	"context"
	"math/rand"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalTier is the process-memory cache tier, backed by go-cache's
// own TTL janitor instead of a hand-rolled map+sweep loop — it already
// implements the periodic-eviction-past-stale_until behavior spec.md
// §4.2 describes.
type LocalTier struct {
	c            *gocache.Cache
	maxItems     int
	evictChance  float64
	rng          *rand.Rand
}

// NewLocalTier builds a LocalTier. maxItems bounds the tier size;
// evictChance is the probability, on each Set, that overflow is checked.
// On overflow, entries are deleted in Go map iteration order (effectively
// arbitrary) until the tier holds maxItems; insertion order, age and
// expiry are not considered when choosing which entries to drop.
func NewLocalTier(maxItems int, evictChance float64) *LocalTier {
	return &LocalTier{
		c:           gocache.New(gocache.NoExpiration, 30*time.Second),
		maxItems:    maxItems,
		evictChance: evictChance,
		rng:         rand.New(rand.NewSource(1)),
	}
}

func tierKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (t *LocalTier) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	v, ok := t.c.Get(tierKey(namespace, key))
	if !ok {
		return Entry{}, false, nil
	}
	entry := v.(Entry)
	if entry.isExpired(time.Now()) {
		t.c.Delete(tierKey(namespace, key))
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (t *LocalTier) Set(ctx context.Context, namespace, key string, entry Entry) error {
	ttl := time.Until(entry.StaleUntil)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	t.c.Set(tierKey(namespace, key), entry, ttl)

	if t.evictChance > 0 && t.rng.Float64() < t.evictChance {
		t.evictOverflow()
	}
	return nil
}

func (t *LocalTier) Remove(ctx context.Context, namespace, key string) error {
	t.c.Delete(tierKey(namespace, key))
	return nil
}

func (t *LocalTier) evictOverflow() {
	if t.maxItems <= 0 {
		return
	}
	items := t.c.Items()
	if len(items) <= t.maxItems {
		return
	}
	overflow := len(items) - t.maxItems
	for k := range items {
		if overflow <= 0 {
			break
		}
		t.c.Delete(k)
		overflow--
	}
}

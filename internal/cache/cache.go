// Package cache implements C2: a multi-tier stale-while-revalidate
// cache backing override lookups and key verification, grounded on
// spec.md §4.2 and the teacher's cache_invalidator.go/cache_sync_worker.go
// tier-advance pattern.
package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ratewarden/ratewarden/internal/logging"
)

// Entry is the generic cache record, per spec.md §3's Cache entry
// data model: fresh_until <= stale_until, and an entry past
// stale_until is treated as absent.
type Entry struct {
	Value      any
	FreshUntil time.Time
	StaleUntil time.Time
}

func (e Entry) isFresh(now time.Time) bool {
	return now.Before(e.FreshUntil)
}

func (e Entry) isStaleButPresent(now time.Time) bool {
	return !now.Before(e.FreshUntil) && now.Before(e.StaleUntil)
}

func (e Entry) isExpired(now time.Time) bool {
	return !now.Before(e.StaleUntil)
}

// Store is a single cache tier's capability surface, per spec.md §9's
// dynamic-dispatch design note ("a store capability exposes
// {get, set, remove}").
type Store interface {
	Get(ctx context.Context, namespace, key string) (Entry, bool, error)
	Set(ctx context.Context, namespace, key string, entry Entry) error
	Remove(ctx context.Context, namespace, key string) error
}

// ErrAllTiersFailed is returned by Get/Set only when every configured
// tier failed, per spec.md §4.2's failure model.
var ErrAllTiersFailed = errors.New("cache: all tiers failed")

// LoadFunc fetches the authoritative value for a key from its origin.
// It must not re-enter the cache for the same key (spec.md §9's
// acyclic cache/SWR contract).
type LoadFunc func(ctx context.Context) (any, time.Duration, time.Duration, error)

// Cache composes an ordered chain of tiers with SWR semantics and
// single-flight deduplication of concurrent origin loads.
type Cache struct {
	tiers  []Store
	sf     *singleflight.Group
	now    func() time.Time
	logger logging.Logger
}

// New builds a Cache over tiers, probed in order (spec.md §4.2: "The
// canonical chain is [process_memory, optional_shared_store]").
func New(tiers []Store, logger logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cache{
		tiers:  tiers,
		sf:     &singleflight.Group{},
		now:    time.Now,
		logger: logger,
	}
}

// Get probes each tier in order; on a hit in tier i it backfills
// tiers 0..i-1 asynchronously and returns the value.
func (c *Cache) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	var lastErr error
	failures := 0
	for i, tier := range c.tiers {
		entry, ok, err := tier.Get(ctx, namespace, key)
		if err != nil {
			failures++
			lastErr = err
			c.logger.Warn("cache tier get failed", map[string]any{"tier": i, "namespace": namespace, "error": err.Error()})
			continue
		}
		if !ok {
			continue
		}
		c.backfill(namespace, key, entry, i)
		return entry, true, nil
	}
	if failures == len(c.tiers) && failures > 0 {
		return Entry{}, false, ErrAllTiersFailed
	}
	return Entry{}, false, lastErr
}

func (c *Cache) backfill(namespace, key string, entry Entry, hitTier int) {
	if hitTier == 0 {
		return
	}
	go func() {
		bctx := context.Background()
		for i := 0; i < hitTier; i++ {
			if err := c.tiers[i].Set(bctx, namespace, key, entry); err != nil {
				c.logger.Warn("cache backfill failed", map[string]any{"tier": i, "namespace": namespace, "error": err.Error()})
			}
		}
	}()
}

// Set writes entry to every tier in parallel.
func (c *Cache) Set(ctx context.Context, namespace, key string, entry Entry) error {
	type result struct{ err error }
	results := make(chan result, len(c.tiers))
	for _, tier := range c.tiers {
		tier := tier
		go func() {
			results <- result{err: tier.Set(ctx, namespace, key, entry)}
		}()
	}
	failures := 0
	var lastErr error
	for i := 0; i < len(c.tiers); i++ {
		r := <-results
		if r.err != nil {
			failures++
			lastErr = r.err
		}
	}
	if failures == len(c.tiers) && failures > 0 {
		return ErrAllTiersFailed
	}
	_ = lastErr
	return nil
}

// Remove removes key from every tier.
func (c *Cache) Remove(ctx context.Context, namespace, key string) error {
	var lastErr error
	for _, tier := range c.tiers {
		if err := tier.Remove(ctx, namespace, key); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SWR implements spec.md §4.2's three-way freshness branch. load is
// deduplicated per (namespace, key) across concurrent callers within
// this process, satisfying the single-flight invariant in spec.md §8.
func (c *Cache) SWR(ctx context.Context, namespace, key string, load LoadFunc) (any, error) {
	now := c.now()
	entry, ok, _ := c.Get(ctx, namespace, key)

	if ok && entry.isFresh(now) {
		return entry.Value, nil
	}

	if ok && entry.isStaleButPresent(now) {
		c.revalidateAsync(namespace, key, load)
		return entry.Value, nil
	}

	return c.revalidateSync(ctx, namespace, key, load)
}

func (c *Cache) sfKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (c *Cache) revalidateAsync(namespace, key string, load LoadFunc) {
	sfKey := c.sfKey(namespace, key)
	c.sf.DoChan(sfKey, func() (any, error) {
		bctx := context.Background()
		value, fresh, stale, err := load(bctx)
		if err != nil {
			c.logger.Warn("swr background revalidation failed", map[string]any{"namespace": namespace, "error": err.Error()})
			return nil, err
		}
		now := c.now()
		entry := Entry{Value: value, FreshUntil: now.Add(fresh), StaleUntil: now.Add(stale)}
		if setErr := c.Set(bctx, namespace, key, entry); setErr != nil {
			c.logger.Warn("swr background set failed", map[string]any{"namespace": namespace, "error": setErr.Error()})
		}
		return value, nil
	})
}

func (c *Cache) revalidateSync(ctx context.Context, namespace, key string, load LoadFunc) (any, error) {
	sfKey := c.sfKey(namespace, key)
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		value, fresh, stale, loadErr := load(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		now := c.now()
		entry := Entry{Value: value, FreshUntil: now.Add(fresh), StaleUntil: now.Add(stale)}
		if setErr := c.Set(ctx, namespace, key, entry); setErr != nil {
			c.logger.Warn("swr set failed", map[string]any{"namespace": namespace, "error": setErr.Error()})
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

package limiter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ratewarden/ratewarden/internal/counter"
)

// Coalescer deduplicates concurrent Limit calls for the same counter
// key, adapted from the teacher's core/coalescer.go. There it
// deduplicated identical CheckLimitRequest calls end to end; here it
// only wraps the synchronous owner round trip (the `async_mode ==
// false` branch of spec.md §4.5), since that is the only suspending
// step worth coalescing — local C1 accounting is already
// non-suspending and per-shard mutex protected.
type Coalescer struct {
	shards []coalescerShard
	ttl    time.Duration
}

type coalescerShard struct {
	mu sync.Mutex
	m  map[string]*coalesced
}

type coalesced struct {
	done     chan struct{}
	created  time.Time
	decision counter.Decision
	err      error
}

func NewCoalescer(shards int, ttl time.Duration) *Coalescer {
	if shards <= 0 {
		shards = 64
	}
	if ttl <= 0 {
		ttl = 10 * time.Millisecond
	}
	entries := make([]coalescerShard, shards)
	for i := range entries {
		entries[i] = coalescerShard{m: make(map[string]*coalesced)}
	}
	return &Coalescer{shards: entries, ttl: ttl}
}

// Do executes fn for key, or waits for an already in-flight call for
// the same key to complete and shares its result.
func (c *Coalescer) Do(ctx context.Context, key string, fn func() (counter.Decision, error)) (counter.Decision, error) {
	if c == nil || len(c.shards) == 0 || c.ttl <= 0 {
		return fn()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	shard := c.shardFor(key)
	shard.mu.Lock()
	if existing, ok := shard.m[key]; ok && time.Since(existing.created) <= c.ttl {
		done := existing.done
		shard.mu.Unlock()
		select {
		case <-done:
			return existing.decision, existing.err
		case <-ctx.Done():
			return counter.Decision{}, ctx.Err()
		}
	}

	entry := &coalesced{done: make(chan struct{}), created: time.Now()}
	shard.m[key] = entry
	shard.mu.Unlock()

	decision, err := fn()
	entry.decision = decision
	entry.err = err
	close(entry.done)

	shard.mu.Lock()
	if current, ok := shard.m[key]; ok && current == entry {
		delete(shard.m, key)
	}
	shard.mu.Unlock()
	return decision, err
}

func (c *Coalescer) shardFor(key string) *coalescerShard {
	return &c.shards[coalescerShardIndex(key, len(c.shards))]
}

func coalescerShardIndex(key string, total int) int {
	if total <= 1 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(total))
}

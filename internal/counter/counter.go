// Package counter implements C1: pure in-memory accounting for a
// single (namespace, identifier, window) tuple. The sliding-window
// blend algorithm is grounded on Morditux-ratelimiter's
// algorithms/slidingwindow.go; the shard-mutex layout follows the same
// repo's algorithms/utils.go paddedMutex.
package counter

import (
	"math"
	"sync"
	"time"
)

// Strategy selects the accounting algorithm for a Counter. The
// default throughout this module is Sliding; Fixed is selected only by
// a caller that sets Params.Strategy directly. The Limit path
// (coordinator, owner server, flusher) always uses Sliding.
type Strategy string

const (
	Sliding Strategy = "sliding-window"
	Fixed   Strategy = "fixed-window"
)

// Decision is the result of a single accounting call.
type Decision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	ResetAt   time.Time
}

// state is the mutable accounting record for one counter. All fields
// are only ever touched while the owning shard's mutex is held.
type state struct {
	currentStart time.Time
	current      int64
	previous     int64
	pinnedUntil  time.Time // BroadcastExceeded deny-until pin; zero if unset
	lastTouched  time.Time
}

// Params parameterizes one counter instance.
type Params struct {
	Limit    int64
	Duration time.Duration
	Strategy Strategy
}

const shardCount = 64

// paddedMutex avoids false sharing between adjacent shards under high
// contention, the way Morditux-ratelimiter's algorithms/utils.go does.
type paddedMutex struct {
	mu sync.Mutex
	_  [56]byte
}

// Counter is a sharded map of accounting state keyed by an opaque key
// string (typically "workspaceID:namespace:identifier", possibly edge-tagged per
// spec.md §4.5's edge-sharding rule). One Counter instance is shared
// per process.
type Counter struct {
	shards [shardCount]map[string]*state
	locks  [shardCount]paddedMutex
	now    func() time.Time
}

// New builds an empty Counter. now defaults to time.Now; tests inject
// a deterministic clock.
func New(now func() time.Time) *Counter {
	if now == nil {
		now = time.Now
	}
	c := &Counter{now: now}
	for i := range c.shards {
		c.shards[i] = make(map[string]*state)
	}
	return c
}

func shardFor(key string) int {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % shardCount)
}

// Allow applies cost against key under params, per spec.md §4.1. A
// cost of 0 is a read-only peek: it never changes the count and passes,
// except for a key pinned by Pin, which it reports as denied until the
// pin's resetAt.
func (c *Counter) Allow(key string, params Params, cost int64) Decision {
	if params.Strategy == Fixed {
		return c.allowFixed(key, params, cost)
	}
	return c.allowSliding(key, params, cost)
}

func (c *Counter) allowSliding(key string, params Params, cost int64) Decision {
	shard := shardFor(key)
	lock := &c.locks[shard].mu
	lock.Lock()
	defer lock.Unlock()

	now := c.now()
	st := c.shards[shard][key]
	windowStart := now.Truncate(params.Duration)

	if st == nil {
		st = &state{currentStart: windowStart}
		c.shards[shard][key] = st
	}
	st.lastTouched = now

	if !st.pinnedUntil.IsZero() && now.Before(st.pinnedUntil) {
		resetAt := st.pinnedUntil
		return Decision{Allowed: false, Remaining: 0, Limit: params.Limit, ResetAt: resetAt}
	}

	if !st.currentStart.Equal(windowStart) {
		if windowStart.Sub(st.currentStart) >= params.Duration*2 {
			st.previous = 0
		} else {
			st.previous = st.current
		}
		st.current = 0
		st.currentStart = windowStart
	}

	elapsed := now.Sub(windowStart)
	weight := 1 - float64(elapsed)/float64(params.Duration)
	if weight < 0 {
		weight = 0
	}
	effective := float64(st.current) + weight*float64(st.previous)
	resetAt := windowStart.Add(params.Duration)

	if cost == 0 {
		return Decision{
			Allowed:   true,
			Remaining: remainingOf(params.Limit, effective),
			Limit:     params.Limit,
			ResetAt:   resetAt,
		}
	}

	if effective+float64(cost) <= float64(params.Limit) {
		st.current += cost
		newEffective := effective + float64(cost)
		return Decision{
			Allowed:   true,
			Remaining: remainingOf(params.Limit, newEffective),
			Limit:     params.Limit,
			ResetAt:   resetAt,
		}
	}
	return Decision{
		Allowed:   false,
		Remaining: remainingOf(params.Limit, effective),
		Limit:     params.Limit,
		ResetAt:   resetAt,
	}
}

// allowFixed implements the additive legacy strategy: a single
// counter per window with no blending against the previous one,
// grounded on the teacher's fallback.go LocalLimiterStore.AllowFixedWindow.
func (c *Counter) allowFixed(key string, params Params, cost int64) Decision {
	shard := shardFor(key)
	lock := &c.locks[shard].mu
	lock.Lock()
	defer lock.Unlock()

	now := c.now()
	st := c.shards[shard][key]
	windowStart := now.Truncate(params.Duration)
	if st == nil {
		st = &state{currentStart: windowStart}
		c.shards[shard][key] = st
	}
	st.lastTouched = now

	if !st.currentStart.Equal(windowStart) {
		st.current = 0
		st.currentStart = windowStart
	}
	resetAt := windowStart.Add(params.Duration)

	if cost == 0 {
		return Decision{Allowed: true, Remaining: remainingOf(params.Limit, float64(st.current)), Limit: params.Limit, ResetAt: resetAt}
	}
	if st.current+cost <= params.Limit {
		st.current += cost
		return Decision{Allowed: true, Remaining: remainingOf(params.Limit, float64(st.current)), Limit: params.Limit, ResetAt: resetAt}
	}
	return Decision{Allowed: false, Remaining: remainingOf(params.Limit, float64(st.current)), Limit: params.Limit, ResetAt: resetAt}
}

// remainingOf implements spec.md §4.1's remaining := max(0, limit -
// ceil(effective_count)).
func remainingOf(limit int64, effective float64) int64 {
	r := limit - int64(math.Ceil(effective))
	if r < 0 {
		return 0
	}
	return r
}

// Pin records a BroadcastExceeded notification: the counter denies
// every call for key until resetAt regardless of local accounting,
// per spec.md §4.4 Peer RPC. Last-writer-wins on resetAt per spec.md §5.
func (c *Counter) Pin(key string, resetAt time.Time) {
	shard := shardFor(key)
	lock := &c.locks[shard].mu
	lock.Lock()
	defer lock.Unlock()

	st := c.shards[shard][key]
	if st == nil {
		st = &state{currentStart: resetAt}
		c.shards[shard][key] = st
	}
	if resetAt.After(st.pinnedUntil) {
		st.pinnedUntil = resetAt
	}
}

// Peek returns the current effective count and remaining headroom
// without mutating state, used by the coordinator to report shadow
// state without double-counting a probe as a real call.
func (c *Counter) Peek(key string, params Params) Decision {
	return c.Allow(key, params, 0)
}

// ApplyDelta merges a remote delta into the local shadow counter, used
// when the owner's PushCounter response reports the authoritative
// current count (spec.md §4.5 step 4: "Local counter is still updated
// (best-effort) for subsequent shadow decisions").
func (c *Counter) ApplyDelta(key string, params Params, windowStart time.Time, authoritativeCurrent int64) {
	shard := shardFor(key)
	lock := &c.locks[shard].mu
	lock.Lock()
	defer lock.Unlock()

	st := c.shards[shard][key]
	if st == nil {
		st = &state{}
		c.shards[shard][key] = st
	}
	if !st.currentStart.Equal(windowStart) {
		st.previous = st.current
		st.currentStart = windowStart
	}
	st.current = authoritativeCurrent
}

// Evict removes counters idle for at least 2x their duration, per
// spec.md §3's Counter lifecycle. Callers run this periodically per
// distinct duration bucket they manage.
func (c *Counter) Evict(maxIdle time.Duration) int {
	now := c.now()
	evicted := 0
	for i := range c.shards {
		lock := &c.locks[i].mu
		lock.Lock()
		for key, st := range c.shards[i] {
			if now.Sub(st.lastTouched) >= maxIdle {
				delete(c.shards[i], key)
				evicted++
			}
		}
		lock.Unlock()
	}
	return evicted
}

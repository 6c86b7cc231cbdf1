package cluster

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is a peer-RPC circuit breaker's state, adapted from
// the teacher's circuit.go for spec.md §4.5's "circuit-breaking for
// origin calls": after repeated PushCounter failures to a given
// owner, subsequent calls short-circuit to local-only for a cooldown.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// BreakerOptions configures one owner's breaker thresholds.
type BreakerOptions struct {
	FailureThreshold int64
	OpenFor          time.Duration
	HalfOpenMaxCalls int64
}

// Breaker tracks PushCounter failures to a single owner node.
type Breaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             BreakerOptions
}

func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 2 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 3
	}
	b := &Breaker{opts: opts}
	b.state.Store(int32(BreakerClosed))
	return b
}

// Allow reports whether a PushCounter call to this owner should be
// attempted, or whether the coordinator should fall back to its
// shadow counter as authoritative.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Now().UnixNano() >= b.openUntil.Load() {
			b.state.Store(int32(BreakerHalfOpen))
			b.halfOpenInFlight.Store(1)
			return true
		}
		return false
	case BreakerHalfOpen:
		inFlight := b.halfOpenInFlight.Add(1)
		if inFlight <= b.opts.HalfOpenMaxCalls {
			return true
		}
		b.halfOpenInFlight.Add(-1)
		return false
	default:
		return true
	}
}

func (b *Breaker) OnSuccess() {
	if b == nil {
		return
	}
	switch BreakerState(b.state.Load()) {
	case BreakerHalfOpen:
		b.halfOpenInFlight.Add(-1)
		b.failures.Store(0)
		b.state.Store(int32(BreakerClosed))
	case BreakerClosed:
		b.failures.Store(0)
	}
}

func (b *Breaker) OnFailure() {
	if b == nil {
		return
	}
	if BreakerState(b.state.Load()) == BreakerHalfOpen {
		b.halfOpenInFlight.Add(-1)
		b.openUntil.Store(time.Now().Add(b.opts.OpenFor).UnixNano())
		b.state.Store(int32(BreakerOpen))
		return
	}
	failures := b.failures.Add(1)
	if failures >= b.opts.FailureThreshold {
		b.openUntil.Store(time.Now().Add(b.opts.OpenFor).UnixNano())
		b.state.Store(int32(BreakerOpen))
	}
}

// State exposes the current state for diagnostics and tests.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// BreakerPool tracks one Breaker per owner node ID, since the
// coordinator talks to many owners concurrently.
type BreakerPool struct {
	opts     BreakerOptions
	snapshot atomic.Value // map[string]*Breaker
	writeMu  sync.Mutex
}

func NewBreakerPool(opts BreakerOptions) *BreakerPool {
	p := &BreakerPool{opts: opts}
	p.snapshot.Store(map[string]*Breaker{})
	return p
}

func (p *BreakerPool) For(nodeID string) *Breaker {
	m := p.snapshot.Load().(map[string]*Breaker)
	if b, ok := m[nodeID]; ok {
		return b
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	m = p.snapshot.Load().(map[string]*Breaker)
	if b, ok := m[nodeID]; ok {
		return b
	}
	b := NewBreaker(p.opts)
	next := make(map[string]*Breaker, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	next[nodeID] = b
	p.snapshot.Store(next)
	return b
}

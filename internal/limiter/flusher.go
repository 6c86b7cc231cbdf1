package limiter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ratewarden/ratewarden/internal/cluster"
	"github.com/ratewarden/ratewarden/internal/counter"
	"github.com/ratewarden/ratewarden/internal/logging"
	"github.com/ratewarden/ratewarden/internal/telemetry"
)

// deltaByteCost approximates one PendingDelta's wire size for the
// batch byte cap, per spec.md §4.5: "sends PushCounter at bounded
// intervals (e.g., every 100ms or when the batch reaches a byte cap),
// whichever first". Exact marshaled size is not worth computing on
// every Enqueue; this fixed estimate (request ID + three string fields
// + four numeric fields) is close enough to bound queue memory.
const deltaByteCost = 96

// Flusher periodically drains BatchQueue per owner and sends
// PushCounter RPCs, the async_mode==true background half of spec.md
// §4.5 step 4. Adapted from the teacher's core/cache_sync_worker.go
// ticker-loop shape, repurposed here for per-owner RPC flushing
// instead of cache refresh.
type Flusher struct {
	batch      *BatchQueue
	dialer     PeerDialer
	breakers   *cluster.BreakerPool
	counter    *counter.Counter
	interval   time.Duration
	maxBytes   int
	rpcTimeout time.Duration
	logger     logging.Logger
	metrics    telemetry.Metrics
}

func NewFlusher(batch *BatchQueue, dialer PeerDialer, breakers *cluster.BreakerPool, ctr *counter.Counter, interval time.Duration, maxBytes int, rpcTimeout time.Duration, logger logging.Logger, metrics telemetry.Metrics) *Flusher {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if rpcTimeout <= 0 {
		rpcTimeout = 50 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Flusher{
		batch:      batch,
		dialer:     dialer,
		breakers:   breakers,
		counter:    ctr,
		interval:   interval,
		maxBytes:   maxBytes,
		rpcTimeout: rpcTimeout,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run ticks every interval, flushing any owner queue that is non-empty
// or has crossed the byte cap, until ctx is cancelled. Callers launch
// this as a long-lived background task (SPEC_FULL.md §2's task model).
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushAll(ctx)
		}
	}
}

func (f *Flusher) flushAll(ctx context.Context) {
	for _, owner := range f.batch.Owners() {
		pending := f.batch.Drain(owner)
		if len(pending) == 0 {
			continue
		}
		f.flushOwner(ctx, owner, pending)
	}
}

// flushOwner sends each queued delta to owner. Deltas for the same
// counter key are not merged: each still carries its own request ID
// for the owner's dedupe window, and the owner's authoritative count
// already accumulates across calls, so sending them individually (in
// enqueue order) is equivalent to a single summed call and keeps the
// per-delta request ID idempotence guarantee intact.
func (f *Flusher) flushOwner(ctx context.Context, owner string, pending []PendingDelta) {
	breaker := f.breakers.For(owner)
	if !breaker.Allow() {
		f.metrics.IncrCounter("batch_flush_breaker_open", map[string]string{"owner": owner})
		for _, d := range pending {
			f.batch.Enqueue(owner, d)
		}
		return
	}

	client, err := f.dialer.Dial(ctx, owner)
	if err != nil {
		breaker.OnFailure()
		f.metrics.IncrCounter("batch_flush_dial_failed", map[string]string{"owner": owner})
		for _, d := range pending {
			f.batch.Enqueue(owner, d)
		}
		return
	}

	budget := f.maxBytes
	sent := 0
	for i, d := range pending {
		if f.maxBytes > 0 && i > 0 && budget <= 0 {
			break
		}
		budget -= deltaByteCost
		f.pushOne(ctx, client, owner, breaker, d)
		sent++
	}

	// Anything past the byte cap waits for the next tick rather than
	// being dropped outright: the byte cap bounds one flush's work, it
	// is not the bounded-overflow backpressure path (that lives in
	// BatchQueue.Enqueue, which already dropped-oldest if needed).
	for _, leftover := range pending[sent:] {
		f.batch.Enqueue(owner, leftover)
	}
}

func (f *Flusher) pushOne(ctx context.Context, client *cluster.PeerClient, owner string, breaker *cluster.Breaker, d PendingDelta) {
	rpcCtx, cancel := context.WithTimeout(ctx, f.rpcTimeout)
	defer cancel()

	if d.RequestID == "" {
		d.RequestID = uuid.NewString()
	}
	resp, err := client.PushCounter(rpcCtx, &cluster.PushCounterRequest{
		RequestID:   d.RequestID,
		CounterKey:  d.CounterKey,
		NamespaceID: d.NamespaceID,
		Identifier:  d.Identifier,
		Delta:       d.Delta,
		WindowStart: d.WindowStart,
		Limit:       d.Limit,
		DurationMs:  d.Duration.Milliseconds(),
	})
	if err != nil {
		breaker.OnFailure()
		f.metrics.IncrCounter("batch_flush_push_failed", map[string]string{"owner": owner})
		f.logger.Warn("batch flush push failed", map[string]any{"owner": owner, "namespace": d.NamespaceID, "error": err.Error()})
		return
	}
	breaker.OnSuccess()

	params := counter.Params{Limit: d.Limit, Duration: d.Duration, Strategy: counter.Sliding}
	f.counter.ApplyDelta(d.CounterKey, params, resp.ResetAt.Add(-d.Duration), resp.Current)
}

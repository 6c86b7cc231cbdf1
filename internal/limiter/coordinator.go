package limiter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ratewarden/ratewarden/internal/apperrors"
	"github.com/ratewarden/ratewarden/internal/cluster"
	"github.com/ratewarden/ratewarden/internal/counter"
	"github.com/ratewarden/ratewarden/internal/logging"
	"github.com/ratewarden/ratewarden/internal/override"
	"github.com/ratewarden/ratewarden/internal/telemetry"
)

// Request is the public Limit call input, the in-process shape behind
// spec.md §6's wire-exact Limit request.
type Request struct {
	WorkspaceID   string
	Namespace     string
	Identifier    string
	Limit         int64
	Duration      time.Duration
	Cost          int64
	Async         bool
	CanAutoCreate bool
}

// Result is the in-process shape behind spec.md §6's Limit response.
type Result struct {
	Success    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	OverrideID string
}

// RingSource hands the coordinator the current ring snapshot. It is
// an indirection over *cluster.Ring so Coordinator never holds a ring
// pointer directly: spec.md §5 requires "the coordinator snapshots
// the ring once per call; it never retargets mid-call", and a fresh
// Current() call at the top of Limit is exactly that snapshot.
type RingSource interface {
	Current() *cluster.Ring
}

// PeerDialer resolves a live PeerClient for a given node ID, or an
// error if the node cannot currently be reached. Implementations are
// expected to pool connections per node.
type PeerDialer interface {
	Dial(ctx context.Context, nodeID string) (*cluster.PeerClient, error)
}

// Coordinator is C5: the hot-path orchestrator tying together C1
// (counter), C2/C3 (policy resolution through the override resolver,
// which itself sits on the cache), and C4 (ring, breakers, peer RPC).
type Coordinator struct {
	selfNodeID string
	counter    *counter.Counter
	resolver   *override.Resolver
	ring       RingSource
	dialer     PeerDialer
	breakers   *cluster.BreakerPool
	batch      *BatchQueue
	coalescer  *Coalescer
	dedup      *cluster.RequestDedup
	mode       *DegradeController
	inflight   *InFlight
	logger     logging.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer

	rpcTimeout time.Duration
	failOpen   bool
}

// Config bundles the dependencies Coordinator needs, split out so
// main can assemble it from config.Config without a giant positional
// constructor.
type Config struct {
	SelfNodeID string
	Counter    *counter.Counter
	Resolver   *override.Resolver
	Ring       RingSource
	Dialer     PeerDialer
	Breakers   *cluster.BreakerPool
	Batch      *BatchQueue
	Mode       *DegradeController
	Logger     logging.Logger
	Metrics    telemetry.Metrics
	Tracer     telemetry.Tracer
	RPCTimeout time.Duration
	FailOpen   bool // on sync-path origin-unavailable, allow the request rather than deny it
}

func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NoopTracer{}
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 50 * time.Millisecond
	}
	return &Coordinator{
		selfNodeID: cfg.SelfNodeID,
		counter:    cfg.Counter,
		resolver:   cfg.Resolver,
		ring:       cfg.Ring,
		dialer:     cfg.Dialer,
		breakers:   cfg.Breakers,
		batch:      cfg.Batch,
		coalescer:  NewCoalescer(64, 10*time.Millisecond),
		dedup:      cluster.NewRequestDedup(2 * time.Second),
		mode:       cfg.Mode,
		inflight:   NewInFlight(),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		rpcTimeout: cfg.RPCTimeout,
		failOpen:   cfg.FailOpen,
	}
}

// Drain stops admitting new Limit calls and waits for in-flight ones
// to finish, for graceful shutdown.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.inflight.Close()
	return c.inflight.Wait(ctx)
}

// Limit implements spec.md §4.5's full algorithm.
func (c *Coordinator) Limit(ctx context.Context, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "limiter.Limit")
	defer span.End()

	if !c.inflight.Begin() {
		err := apperrors.Wrap(apperrors.CodeClusterTransient, "coordinator is draining", nil)
		span.RecordError(err)
		return Result{}, err
	}
	c.metrics.SetGauge("coordinator_inflight", float64(c.inflight.Count()), nil)
	defer func() {
		c.inflight.End()
		c.metrics.SetGauge("coordinator_inflight", float64(c.inflight.Count()), nil)
	}()

	start := time.Now()
	defer func() {
		c.metrics.ObserveLatency("limit_latency", time.Since(start), map[string]string{"async": boolLabel(req.Async)})
	}()
	span.SetAttribute("namespace", req.Namespace)
	span.SetAttribute("async", req.Async)

	if req.Identifier == "" || req.Namespace == "" || req.Limit < 1 {
		return Result{}, apperrors.Wrap(apperrors.CodeBadRequest, "invalid limit request", nil)
	}
	if req.Cost < 0 {
		return Result{}, apperrors.Wrap(apperrors.CodeBadRequest, "cost must be >= 0", nil)
	}

	policy, err := c.resolver.Resolve(ctx, override.Request{
		WorkspaceID:      req.WorkspaceID,
		NamespaceName:    req.Namespace,
		Identifier:       req.Identifier,
		DefaultLimit:     req.Limit,
		DefaultDuration:  req.Duration,
		DefaultAsyncMode: req.Async,
		CanAutoCreate:    req.CanAutoCreate,
	})
	if err != nil {
		return Result{}, err
	}

	counterKey := c.counterKey(req.WorkspaceID, req.Namespace, req.Identifier, policy)
	params := counter.Params{Limit: policy.Limit, Duration: policy.Duration, Strategy: counter.Sliding}

	ring := c.ring.Current()
	owner, hasOwner := ring.Owner(counterKey)
	isOwner := hasOwner && owner == c.selfNodeID

	local := c.counter.Allow(counterKey, params, req.Cost)

	if isOwner || !hasOwner {
		return resultFrom(local, policy), nil
	}

	// A cost==0 call is a pure peek: it never mutates the owner's
	// authoritative state, so it has nothing to push and nothing worth
	// failing closed over. Per spec.md §9's Open Question resolution,
	// this always returns the local peek, even against an unreachable
	// owner.
	if req.Cost == 0 {
		return resultFrom(local, policy), nil
	}

	if policy.AsyncMode {
		return c.asyncPath(counterKey, owner, policy, params, req, local)
	}
	return c.syncPath(ctx, counterKey, owner, policy, params, req, local)
}

func (c *Coordinator) asyncPath(counterKey, owner string, policy override.Policy, params counter.Params, req Request, local counter.Decision) (Result, error) {
	if req.Cost != 0 {
		windowStart := time.Now().Truncate(policy.Duration)
		c.batch.Enqueue(owner, PendingDelta{
			RequestID:   uuid.NewString(),
			CounterKey:  counterKey,
			NamespaceID: req.Namespace,
			Identifier:  req.Identifier,
			Delta:       req.Cost,
			WindowStart: windowStart,
			Limit:       policy.Limit,
			Duration:    policy.Duration,
		})
	}
	return resultFrom(local, policy), nil
}

func (c *Coordinator) syncPath(ctx context.Context, counterKey, owner string, policy override.Policy, params counter.Params, req Request, local counter.Decision) (Result, error) {
	breaker := c.breakers.For(owner)
	if !breaker.Allow() {
		c.metrics.IncrCounter("origin_breaker_open", map[string]string{"owner": owner})
		return c.fallbackOrError(local, policy)
	}

	decision, err := c.coalescer.Do(ctx, counterKey, func() (counter.Decision, error) {
		return c.pushToOwner(ctx, counterKey, owner, policy, params, req)
	})
	if err != nil {
		breaker.OnFailure()
		c.metrics.IncrCounter("origin_call_failed", map[string]string{"owner": owner})
		return c.fallbackOrError(local, policy)
	}
	breaker.OnSuccess()

	c.counter.ApplyDelta(counterKey, params, decision.ResetAt.Add(-policy.Duration), decision.Limit-decision.Remaining)
	return resultFrom(decision, policy), nil
}

func (c *Coordinator) pushToOwner(ctx context.Context, counterKey, owner string, policy override.Policy, params counter.Params, req Request) (counter.Decision, error) {
	client, err := c.dialer.Dial(ctx, owner)
	if err != nil {
		return counter.Decision{}, apperrors.Wrap(apperrors.CodeClusterTransient, "dial owner failed", err)
	}
	rpcCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	windowStart := time.Now().Truncate(policy.Duration)
	resp, err := client.PushCounter(rpcCtx, &cluster.PushCounterRequest{
		RequestID:   uuid.NewString(),
		CounterKey:  counterKey,
		NamespaceID: req.Namespace,
		Identifier:  req.Identifier,
		Delta:       req.Cost,
		WindowStart: windowStart,
		Limit:       policy.Limit,
		DurationMs:  policy.Duration.Milliseconds(),
	})
	if err != nil {
		return counter.Decision{}, apperrors.Wrap(apperrors.CodeClusterTransient, "push counter rpc failed", err)
	}
	return counter.Decision{
		Allowed:   resp.Passed,
		Remaining: remainingFrom(policy.Limit, resp.Current),
		Limit:     policy.Limit,
		ResetAt:   resp.ResetAt,
	}, nil
}

// fallbackOrError implements spec.md §4.5's "Owner unreachable & sync"
// failure semantics: return the local decision if the caller's
// configuration fails open, otherwise a typed origin-unavailable error.
func (c *Coordinator) fallbackOrError(local counter.Decision, policy override.Policy) (Result, error) {
	if c.failOpen {
		return resultFrom(local, policy), nil
	}
	return Result{}, apperrors.ErrOriginUnavailable
}

// counterKey applies spec.md §4.5 step 5's edge-sharding rule.
func (c *Coordinator) counterKey(workspaceID, namespace, identifier string, policy override.Policy) string {
	base := workspaceID + ":" + namespace + ":" + identifier
	if policy.Sharding == override.ShardingEdge {
		return c.selfNodeID + "\x00" + base
	}
	return base
}

func resultFrom(d counter.Decision, policy override.Policy) Result {
	return Result{
		Success:    d.Allowed,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt,
		OverrideID: policy.OverrideID,
	}
}

func remainingFrom(limit, current int64) int64 {
	r := limit - current
	if r < 0 {
		return 0
	}
	return r
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/ratewarden/ratewarden/internal/cluster"
	"github.com/ratewarden/ratewarden/internal/counter"
	"github.com/ratewarden/ratewarden/internal/logging"
)

// BroadcastFanout pushes a BroadcastExceeded notification out to the
// rest of the cluster. Kept as an interface so the owner server does
// not need direct membership access: in production this fans out to
// every alive member's PeerClient via the dialer.
type BroadcastFanout interface {
	Fanout(ctx context.Context, req *cluster.BroadcastExceededRequest)
}

// OwnerServer implements cluster.PeerServer: the receiving side of
// peer RPC for whichever counters this node owns on the ring, per
// spec.md §4.4's Peer RPC subsection. It is registered once per
// process via cluster.RegisterPeerServer.
type OwnerServer struct {
	counter *counter.Counter
	dedup   *cluster.RequestDedup
	fanout  BroadcastFanout
	logger  logging.Logger
}

func NewOwnerServer(c *counter.Counter, dedup *cluster.RequestDedup, fanout BroadcastFanout, logger logging.Logger) *OwnerServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &OwnerServer{counter: c, dedup: dedup, fanout: fanout, logger: logger}
}

var errDuplicateRequest = errors.New("duplicate request id within dedupe window")

// PushCounter is the owner-side authoritative accounting step. It is
// idempotent under retries: a request ID seen within the dedupe
// window is rejected outright rather than double counted, per
// spec.md §4.4/§5's idempotence requirement.
func (s *OwnerServer) PushCounter(ctx context.Context, req *cluster.PushCounterRequest) (*cluster.PushCounterResponse, error) {
	if s.dedup != nil && s.dedup.Seen(req.RequestID) {
		return nil, errDuplicateRequest
	}

	key := req.CounterKey
	params := counter.Params{Limit: req.Limit, Duration: time.Duration(req.DurationMs) * time.Millisecond, Strategy: counter.Sliding}
	decision := s.counter.Allow(key, params, req.Delta)

	if !decision.Allowed && s.fanout != nil {
		go s.fanout.Fanout(context.Background(), &cluster.BroadcastExceededRequest{
			CounterKey:  req.CounterKey,
			NamespaceID: req.NamespaceID,
			Identifier:  req.Identifier,
			WindowStart: req.WindowStart,
			ResetAt:     decision.ResetAt,
		})
	}

	return &cluster.PushCounterResponse{
		Current: decision.Limit - decision.Remaining,
		Passed:  decision.Allowed,
		ResetAt: decision.ResetAt,
	}, nil
}

// BroadcastExceeded is the receiving side of a peer's exceeded
// notification: it pins the local shadow counter so subsequent local
// decisions deny until resetAt, per spec.md §4.4 and §5's
// last-writer-wins-on-reset_at rule (Counter.Pin already implements
// that ordering).
func (s *OwnerServer) BroadcastExceeded(ctx context.Context, req *cluster.BroadcastExceededRequest) (*cluster.BroadcastExceededResponse, error) {
	s.counter.Pin(req.CounterKey, req.ResetAt)
	return &cluster.BroadcastExceededResponse{Ack: true}, nil
}

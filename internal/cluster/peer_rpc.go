package cluster

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// PushCounterRequest is spec.md §4.4's PushCounter RPC payload: a
// non-owner's accumulated local delta for one counter. CounterKey
// carries the caller's full counter key (workspaceID:namespace:
// identifier, or selfNodeID\x00workspaceID:namespace:identifier under
// edge sharding) so the owner keys its authoritative counter exactly
// the way the caller keyed its local decision; NamespaceID/Identifier
// stay for logging and for BroadcastExceeded's own fields.
type PushCounterRequest struct {
	RequestID   string    `json:"requestId"`
	CounterKey  string    `json:"counterKey"`
	NamespaceID string    `json:"namespaceId"`
	Identifier  string    `json:"identifier"`
	Delta       int64     `json:"delta"`
	WindowStart time.Time `json:"windowStart"`
	Limit       int64     `json:"limit"`
	DurationMs  int64     `json:"durationMs"`
}

// PushCounterResponse is the owner's authoritative reply.
type PushCounterResponse struct {
	Current   int64     `json:"current"`
	Passed    bool      `json:"passed"`
	ResetAt   time.Time `json:"resetAt"`
}

// BroadcastExceededRequest is spec.md §4.4's BroadcastExceeded RPC
// payload: the owner fans this out once its authoritative count
// crosses the limit. CounterKey is the same full key PushCounterRequest
// carries, so every receiving peer pins the same shadow counter the
// owner itself is authoritative for.
type BroadcastExceededRequest struct {
	CounterKey  string    `json:"counterKey"`
	NamespaceID string    `json:"namespaceId"`
	Identifier  string    `json:"identifier"`
	WindowStart time.Time `json:"windowStart"`
	ResetAt     time.Time `json:"resetAt"`
}

type BroadcastExceededResponse struct {
	Ack bool `json:"ack"`
}

// PeerServer is what a node implements to answer peer RPCs, grounded
// on the teacher's grpc_transport.go server-side shape.
type PeerServer interface {
	PushCounter(ctx context.Context, req *PushCounterRequest) (*PushCounterResponse, error)
	BroadcastExceeded(ctx context.Context, req *BroadcastExceededRequest) (*BroadcastExceededResponse, error)
}

const peerServiceName = "ratewarden.cluster.Peer"

func pushCounterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PushCounterRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).PushCounter(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + peerServiceName + "/PushCounter"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).PushCounter(ctx, req.(*PushCounterRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func broadcastExceededHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(BroadcastExceededRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).BroadcastExceeded(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + peerServiceName + "/BroadcastExceeded"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).BroadcastExceeded(ctx, req.(*BroadcastExceededRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// peerServiceDesc is the hand-written grpc.ServiceDesc standing in for
// what protoc would normally generate; paired with jsonCodec (codec.go)
// this makes PushCounter/BroadcastExceeded real, wire-compatible grpc
// methods without a generated package.
var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: peerServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushCounter", Handler: pushCounterHandler},
		{MethodName: "BroadcastExceeded", Handler: broadcastExceededHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ratewarden/cluster/peer.proto",
}

// RegisterPeerServer attaches srv's implementation to s under the
// peer service descriptor.
func RegisterPeerServer(s *grpc.Server, srv PeerServer) {
	s.RegisterService(&peerServiceDesc, srv)
}

// PeerClient is the RPC client side, one per remote node connection.
// token, when non-empty, is attached to every call as a bearer token
// so the receiving NewPeerAuthInterceptor can enforce SPEC_FULL.md
// §4's peer-RPC auth extension.
type PeerClient struct {
	conn  *grpc.ClientConn
	token string
}

func NewPeerClient(conn *grpc.ClientConn, token string) *PeerClient {
	return &PeerClient{conn: conn, token: token}
}

func (c *PeerClient) outgoingContext(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func (c *PeerClient) PushCounter(ctx context.Context, req *PushCounterRequest) (*PushCounterResponse, error) {
	resp := new(PushCounterResponse)
	if err := c.conn.Invoke(c.outgoingContext(ctx), "/"+peerServiceName+"/PushCounter", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *PeerClient) BroadcastExceeded(ctx context.Context, req *BroadcastExceededRequest) (*BroadcastExceededResponse, error) {
	resp := new(BroadcastExceededResponse)
	if err := c.conn.Invoke(c.outgoingContext(ctx), "/"+peerServiceName+"/BroadcastExceeded", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RequestDedup gives an owner the short dedupe window spec.md §4.4 and
// §5 require: "Both RPCs must be idempotent under retries (owner
// keeps a short dedupe window of request IDs)."
type RequestDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	now     func() time.Time
}

func NewRequestDedup(window time.Duration) *RequestDedup {
	return &RequestDedup{seen: make(map[string]time.Time), window: window, now: time.Now}
}

// Seen records requestID and reports whether it was already seen
// within the dedupe window (a replay).
func (d *RequestDedup) Seen(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if ts, ok := d.seen[requestID]; ok && now.Sub(ts) < d.window {
		return true
	}
	d.seen[requestID] = now
	return false
}

// Sweep drops entries older than the dedupe window; callers run this
// periodically so the map does not grow unbounded.
func (d *RequestDedup) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.window {
			delete(d.seen, id)
		}
	}
}

package cluster

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PeerPool dials and caches one grpc.ClientConn per node ID, resolving
// addresses from the live Membership. Connections are created lazily
// and kept for the process lifetime; membership removal does not
// proactively close them since an evicted-then-rejoined node reuses
// the same address most of the time and grpc's own idle/backoff
// handling covers the rest.
type PeerPool struct {
	members *Membership
	token   string

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewPeerPool builds a pool dialing members of members. token, when
// non-empty, is attached as a bearer token to every peer RPC this
// pool's clients make, matching whatever NewPeerAuthInterceptor the
// receiving side was configured with.
func NewPeerPool(members *Membership, token string) *PeerPool {
	return &PeerPool{members: members, token: token, conns: make(map[string]*grpc.ClientConn)}
}

// Dial returns a PeerClient for nodeID, dialing a new connection on
// first use. Satisfies the limiter package's PeerDialer interface.
func (p *PeerPool) Dial(ctx context.Context, nodeID string) (*PeerClient, error) {
	p.mu.Lock()
	if conn, ok := p.conns[nodeID]; ok {
		p.mu.Unlock()
		return NewPeerClient(conn, p.token), nil
	}
	p.mu.Unlock()

	addr, err := p.resolve(nodeID)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.conns[nodeID]; ok {
		p.mu.Unlock()
		_ = conn.Close()
		return NewPeerClient(existing, p.token), nil
	}
	p.conns[nodeID] = conn
	p.mu.Unlock()
	return NewPeerClient(conn, p.token), nil
}

func (p *PeerPool) resolve(nodeID string) (string, error) {
	for _, mem := range p.members.All() {
		if mem.NodeID == nodeID {
			if mem.AdvertiseAddr == "" || mem.RPCPort == 0 {
				return "", fmt.Errorf("cluster: member %q has no rpc address", nodeID)
			}
			return fmt.Sprintf("%s:%d", mem.AdvertiseAddr, mem.RPCPort), nil
		}
	}
	return "", fmt.Errorf("cluster: unknown member %q", nodeID)
}

// Fanout sends req.BroadcastExceeded to every alive member except
// self, best-effort: a failure to reach one peer does not block or
// fail the others. Satisfies the limiter package's BroadcastFanout.
func (p *PeerPool) Fanout(ctx context.Context, req *BroadcastExceededRequest) {
	self := p.members.Self().NodeID
	for _, id := range p.members.AliveMembers() {
		if id == self {
			continue
		}
		client, err := p.Dial(ctx, id)
		if err != nil {
			continue
		}
		_, _ = client.BroadcastExceeded(ctx, req)
	}
}

// RingSource adapts Membership's alive set into the limiter package's
// RingSource, rebuilding on every call's snapshot rather than caching,
// since BuildRing over a few dozen members is cheap and this keeps
// the "snapshot once per call, never retarget mid-call" guarantee
// trivially true: Current() returns a Ring that can never mutate
// underneath its caller.
type RingSource struct {
	members *Membership
}

func NewRingSource(members *Membership) *RingSource {
	return &RingSource{members: members}
}

func (s *RingSource) Current() *Ring {
	return BuildRing(s.members.AliveMembers())
}

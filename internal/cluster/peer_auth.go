package cluster

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/ratewarden/ratewarden/internal/logging"
)

// NewPeerAuthInterceptor is the gRPC-side counterpart to
// GossipTransport.fromKnownMember: spec.md §6 requires "Peer RPC and
// gossip MUST reject traffic from non-member source addresses
// (membership-based ACL)", which gossip.go already enforces on its
// UDP receive loop but the peer RPC server did not. Every
// PushCounter/BroadcastExceeded call is rejected unless its source
// host matches a known member's advertised address, and, when token
// is non-empty, unless it also carries a matching bearer token
// (SPEC_FULL.md §4's extension of the admin HTTP bearer mechanism to
// peer-to-peer calls).
//
// gRPC's observed peer address is the client's ephemeral dial port,
// not its advertised RPCPort, so unlike fromKnownMember's UDP
// host+port match, this checks host only.
func NewPeerAuthInterceptor(members *Membership, token string, logger logging.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		host, ok := peerHost(ctx)
		if !ok || !fromKnownMemberHost(members, host) {
			logger.Warn("peer rpc rejected: unknown source", map[string]any{"method": info.FullMethod, "host": host})
			return nil, status.Error(codes.PermissionDenied, "source address is not a known cluster member")
		}
		if token != "" && !bearerTokenMatches(ctx, token) {
			logger.Warn("peer rpc rejected: missing or invalid bearer token", map[string]any{"method": info.FullMethod})
			return nil, status.Error(codes.Unauthenticated, "missing or invalid peer bearer token")
		}
		return handler(ctx, req)
	}
}

func peerHost(ctx context.Context) (string, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "", false
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String(), true
	}
	return host, true
}

func fromKnownMemberHost(members *Membership, host string) bool {
	for _, mem := range members.All() {
		memberHost, _, err := net.SplitHostPort(mem.AdvertiseAddr)
		if err != nil {
			memberHost = mem.AdvertiseAddr
		}
		if memberHost == host {
			return true
		}
	}
	return false
}

func bearerTokenMatches(ctx context.Context, token string) bool {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return false
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(vals[0], prefix) {
		return false
	}
	return strings.TrimPrefix(vals[0], prefix) == token
}

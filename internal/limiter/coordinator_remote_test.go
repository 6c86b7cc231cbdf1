package limiter

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ratewarden/ratewarden/internal/cache"
	"github.com/ratewarden/ratewarden/internal/cluster"
	"github.com/ratewarden/ratewarden/internal/counter"
	"github.com/ratewarden/ratewarden/internal/override"
)

// inProcessDialer always returns the same PeerClient, standing in for
// a PeerPool when the test only has one remote owner to reach.
type inProcessDialer struct {
	client *cluster.PeerClient
}

func (d inProcessDialer) Dial(ctx context.Context, nodeID string) (*cluster.PeerClient, error) {
	return d.client, nil
}

// remoteOwnerRing always reports ownerID as the owner, regardless of key.
type remoteOwnerRing struct {
	ownerID string
}

func (r remoteOwnerRing) Current() *cluster.Ring {
	// Deliberately excludes "self": a ring with only the remote owner
	// guarantees Owner() always resolves to it, so these tests exercise
	// the non-owner branch of Limit deterministically.
	return cluster.BuildRing([]string{r.ownerID})
}

func startOwnerServer(t *testing.T, srv cluster.PeerServer) *cluster.PeerClient {
	t.Helper()
	cluster.RegisterJSONCodec()
	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer()
	cluster.RegisterPeerServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	dialer := func(ctx context.Context, target string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return cluster.NewPeerClient(conn, "")
}

func newTestResolverSharingStores() *override.Resolver {
	c := cache.New([]cache.Store{cache.NewLocalTier(1000, 0)}, nil)
	return override.NewResolver(c, newFakeNamespaceStore(), newFakeOverrideStore(), time.Minute, 5*time.Minute)
}

func TestLimitSyncPathPushesToRemoteOwner(t *testing.T) {
	ownerCounter := counter.New(nil)
	ownerServer := NewOwnerServer(ownerCounter, cluster.NewRequestDedup(time.Second), nil, nil)
	client := startOwnerServer(t, ownerServer)

	coord := New(Config{
		SelfNodeID: "self",
		Counter:    counter.New(nil),
		Resolver:   newTestResolverSharingStores(),
		Ring:       remoteOwnerRing{ownerID: "owner-1"},
		Dialer:     inProcessDialer{client: client},
		Breakers:   cluster.NewBreakerPool(cluster.BreakerOptions{}),
		Batch:      NewBatchQueue(16, nil),
	})

	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "remote-key", Limit: 2, Duration: time.Minute, Cost: 1, Async: false, CanAutoCreate: true}

	first, err := coord.Limit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Success {
		t.Fatalf("expected first sync call against remote owner to succeed, got %+v", first)
	}

	second, err := coord.Limit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	third, err := coord.Limit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Success || third.Success {
		t.Fatalf("expected the owner's authoritative limit=2 to deny the third call, got second=%+v third=%+v", second, third)
	}
}

func TestLimitSyncPathOriginUnavailableFailsClosedByDefault(t *testing.T) {
	coord := New(Config{
		SelfNodeID: "self",
		Counter:    counter.New(nil),
		Resolver:   newTestResolverSharingStores(),
		Ring:       remoteOwnerRing{ownerID: "owner-unreachable"},
		Dialer:     brokenDialer{},
		Breakers:   cluster.NewBreakerPool(cluster.BreakerOptions{FailureThreshold: 5, OpenFor: time.Minute}),
		Batch:      NewBatchQueue(16, nil),
		FailOpen:   false,
	})

	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "unreachable-key", Limit: 2, Duration: time.Minute, Cost: 1, Async: false, CanAutoCreate: true}

	_, err := coord.Limit(context.Background(), req)
	if err == nil {
		t.Fatalf("expected an origin-unavailable error when the sync path cannot reach its owner")
	}
}

func TestLimitSyncPathFailsOpenWhenConfigured(t *testing.T) {
	coord := New(Config{
		SelfNodeID: "self",
		Counter:    counter.New(nil),
		Resolver:   newTestResolverSharingStores(),
		Ring:       remoteOwnerRing{ownerID: "owner-unreachable"},
		Dialer:     brokenDialer{},
		Breakers:   cluster.NewBreakerPool(cluster.BreakerOptions{FailureThreshold: 5, OpenFor: time.Minute}),
		Batch:      NewBatchQueue(16, nil),
		FailOpen:   true,
	})

	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "unreachable-key-2", Limit: 2, Duration: time.Minute, Cost: 1, Async: false, CanAutoCreate: true}

	res, err := coord.Limit(context.Background(), req)
	if err != nil {
		t.Fatalf("expected fail-open config to fall back to the local decision, got error %v", err)
	}
	if !res.Success {
		t.Fatalf("expected local decision to allow the call, got %+v", res)
	}
}

type brokenDialer struct{}

func (brokenDialer) Dial(ctx context.Context, nodeID string) (*cluster.PeerClient, error) {
	return nil, context.DeadlineExceeded
}

// TestLimitSyncPathIsolatesWorkspacesAtRemoteOwner exercises the real
// wire path (Coordinator -> grpc -> OwnerServer) to guard against the
// counter key collapsing to namespace:identifier on the wire, which
// would let two workspaces share one counter at the owner.
func TestLimitSyncPathIsolatesWorkspacesAtRemoteOwner(t *testing.T) {
	ownerCounter := counter.New(nil)
	ownerServer := NewOwnerServer(ownerCounter, cluster.NewRequestDedup(time.Second), nil, nil)
	client := startOwnerServer(t, ownerServer)

	newCoord := func(selfID string) *Coordinator {
		return New(Config{
			SelfNodeID: selfID,
			Counter:    counter.New(nil),
			Resolver:   newTestResolverSharingStores(),
			Ring:       remoteOwnerRing{ownerID: "owner-shared"},
			Dialer:     inProcessDialer{client: client},
			Breakers:   cluster.NewBreakerPool(cluster.BreakerOptions{}),
			Batch:      NewBatchQueue(16, nil),
		})
	}

	reqFor := func(workspaceID string) Request {
		return Request{WorkspaceID: workspaceID, Namespace: "api", Identifier: "shared-name", Limit: 1, Duration: time.Minute, Cost: 1, Async: false, CanAutoCreate: true}
	}

	coordA := newCoord("caller-a")
	resA, err := coordA.Limit(context.Background(), reqFor("ws-a"))
	if err != nil || !resA.Success {
		t.Fatalf("expected ws-a's first call to succeed at the owner: %+v, err=%v", resA, err)
	}

	coordB := newCoord("caller-b")
	resB, err := coordB.Limit(context.Background(), reqFor("ws-b"))
	if err != nil || !resB.Success {
		t.Fatalf("expected ws-b's first call to succeed independently of ws-a's identical namespace:identifier, got %+v, err=%v", resB, err)
	}
}

// TestLimitSyncPathCostZeroNeverCallsOwner guards the cost==0 "always
// return the local peek" rule: even with the breaker open and the
// dialer broken, a cost==0 call must succeed rather than error.
func TestLimitSyncPathCostZeroNeverCallsOwner(t *testing.T) {
	coord := New(Config{
		SelfNodeID: "self",
		Counter:    counter.New(nil),
		Resolver:   newTestResolverSharingStores(),
		Ring:       remoteOwnerRing{ownerID: "owner-unreachable"},
		Dialer:     brokenDialer{},
		Breakers:   cluster.NewBreakerPool(cluster.BreakerOptions{FailureThreshold: 5, OpenFor: time.Minute}),
		Batch:      NewBatchQueue(16, nil),
		FailOpen:   false,
	})

	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "peek-key", Limit: 2, Duration: time.Minute, Cost: 0, Async: false, CanAutoCreate: true}

	res, err := coord.Limit(context.Background(), req)
	if err != nil {
		t.Fatalf("cost=0 must never error against an unreachable owner, got %v", err)
	}
	if !res.Success {
		t.Fatalf("cost=0 must always return the local peek as a success, got %+v", res)
	}
}

func TestLimitAsyncPathEnqueuesBatchAndReturnsLocalDecision(t *testing.T) {
	batch := NewBatchQueue(16, nil)
	coord := New(Config{
		SelfNodeID: "self",
		Counter:    counter.New(nil),
		Resolver:   newTestResolverSharingStores(),
		Ring:       remoteOwnerRing{ownerID: "owner-async"},
		Dialer:     brokenDialer{},
		Breakers:   cluster.NewBreakerPool(cluster.BreakerOptions{}),
		Batch:      batch,
	})

	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "async-key", Limit: 100, Duration: time.Minute, Cost: 1, Async: true, CanAutoCreate: true}

	res, err := coord.Limit(context.Background(), req)
	if err != nil {
		t.Fatalf("async path must never error on an unreachable owner: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected the local decision to allow the call, got %+v", res)
	}

	queued := batch.Drain("owner-async")
	if len(queued) != 1 || queued[0].Delta != 1 {
		t.Fatalf("expected exactly one queued delta of cost 1 for the remote owner, got %+v", queued)
	}
}

func TestLimitAsyncPathDropsOldestOnOverflow(t *testing.T) {
	dropped := 0
	batch := NewBatchQueue(2, func(ownerID string) { dropped++ })
	coord := New(Config{
		SelfNodeID: "self",
		Counter:    counter.New(nil),
		Resolver:   newTestResolverSharingStores(),
		Ring:       remoteOwnerRing{ownerID: "owner-async"},
		Dialer:     brokenDialer{},
		Breakers:   cluster.NewBreakerPool(cluster.BreakerOptions{}),
		Batch:      batch,
	})

	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "overflow-key", Limit: 1000, Duration: time.Minute, Cost: 1, Async: true, CanAutoCreate: true}
	for i := 0; i < 5; i++ {
		if _, err := coord.Limit(context.Background(), req); err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
	}

	if dropped == 0 {
		t.Fatalf("expected overflow drops once the bounded queue exceeds capacity")
	}
	queued := batch.Drain("owner-async")
	if len(queued) != 2 {
		t.Fatalf("expected exactly capacity=2 entries retained, got %d", len(queued))
	}
}

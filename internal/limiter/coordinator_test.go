package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ratewarden/ratewarden/internal/cache"
	"github.com/ratewarden/ratewarden/internal/cluster"
	"github.com/ratewarden/ratewarden/internal/counter"
	"github.com/ratewarden/ratewarden/internal/override"
)

// fakeNamespaceStore and fakeOverrideStore give the resolver real
// persistence semantics (auto-create, uniqueness) without a database.
type fakeNamespaceStore struct {
	mu  sync.Mutex
	byName map[string]*override.Namespace
}

func newFakeNamespaceStore() *fakeNamespaceStore {
	return &fakeNamespaceStore{byName: make(map[string]*override.Namespace)}
}

func (s *fakeNamespaceStore) GetByName(ctx context.Context, workspaceID, name string) (*override.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[workspaceID+"/"+name], nil
}

func (s *fakeNamespaceStore) GetByID(ctx context.Context, id string) (*override.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ns := range s.byName {
		if ns.ID == id {
			return ns, nil
		}
	}
	return nil, nil
}

func (s *fakeNamespaceStore) CreateIfAbsent(ctx context.Context, ns *override.Namespace) (*override.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ns.WorkspaceID + "/" + ns.Name
	if existing, ok := s.byName[key]; ok {
		return existing, nil
	}
	s.byName[key] = ns
	return ns, nil
}

type fakeOverrideStore struct {
	mu   sync.Mutex
	byNS map[string][]override.Override
}

func newFakeOverrideStore() *fakeOverrideStore {
	return &fakeOverrideStore{byNS: make(map[string][]override.Override)}
}

func (s *fakeOverrideStore) ListByNamespace(ctx context.Context, namespaceID string) ([]override.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]override.Override{}, s.byNS[namespaceID]...), nil
}

func (s *fakeOverrideStore) Upsert(ctx context.Context, ov *override.Override) (*override.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byNS[ov.NamespaceID] = append(s.byNS[ov.NamespaceID], *ov)
	return ov, nil
}

func (s *fakeOverrideStore) ListPage(ctx context.Context, namespaceID, cursor string, pageSize int) ([]override.Override, string, error) {
	return nil, "", errors.New("not implemented in fake")
}

func (s *fakeOverrideStore) Get(ctx context.Context, namespaceID, identifier string) (*override.Override, error) {
	return nil, errors.New("not implemented in fake")
}

func (s *fakeOverrideStore) Delete(ctx context.Context, namespaceID, identifier string) error {
	return nil
}

func newTestResolver() *override.Resolver {
	c := cache.New([]cache.Store{cache.NewLocalTier(1000, 0)}, nil)
	return override.NewResolver(c, newFakeNamespaceStore(), newFakeOverrideStore(), time.Minute, 5*time.Minute)
}

// staticRing always reports self as the owner, exercising the
// is_owner/local-only branch of Limit.
type staticRing struct {
	owner string
}

func (r staticRing) Current() *cluster.Ring {
	return cluster.BuildRing([]string{r.owner})
}

func newCoordinatorForOwnerTests(t *testing.T) *Coordinator {
	t.Helper()
	return New(Config{
		SelfNodeID: "self",
		Counter:    counter.New(nil),
		Resolver:   newTestResolver(),
		Ring:       staticRing{owner: "self"},
		Breakers:   cluster.NewBreakerPool(cluster.BreakerOptions{}),
		Batch:      NewBatchQueue(16, nil),
	})
}

func TestLimitAsOwnerUsesLocalDecision(t *testing.T) {
	c := newCoordinatorForOwnerTests(t)

	res, err := c.Limit(context.Background(), Request{
		WorkspaceID: "ws1", Namespace: "api", Identifier: "key-1",
		Limit: 3, Duration: time.Minute, Cost: 1, CanAutoCreate: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Remaining != 2 {
		t.Fatalf("expected success with remaining=2, got %+v", res)
	}
}

func TestLimitExhaustsAtLimit(t *testing.T) {
	c := newCoordinatorForOwnerTests(t)
	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "key-2", Limit: 2, Duration: time.Minute, Cost: 1, CanAutoCreate: true}

	first, _ := c.Limit(context.Background(), req)
	second, _ := c.Limit(context.Background(), req)
	third, _ := c.Limit(context.Background(), req)

	if !first.Success || !second.Success {
		t.Fatalf("expected first two calls to succeed, got %+v / %+v", first, second)
	}
	if third.Success {
		t.Fatalf("expected third call to be denied once limit is exhausted, got %+v", third)
	}
}

func TestLimitZeroCostNeverMutates(t *testing.T) {
	c := newCoordinatorForOwnerTests(t)
	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "key-3", Limit: 1, Duration: time.Minute, Cost: 0, CanAutoCreate: true}

	for i := 0; i < 5; i++ {
		res, err := c.Limit(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Success {
			t.Fatalf("cost=0 call must always succeed, got %+v", res)
		}
		if res.Remaining != 1 {
			t.Fatalf("cost=0 call must never mutate remaining, got %d", res.Remaining)
		}
	}
}

func TestLimitRejectsInvalidRequest(t *testing.T) {
	c := newCoordinatorForOwnerTests(t)

	_, err := c.Limit(context.Background(), Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "", Limit: 1, Duration: time.Minute})
	if err == nil {
		t.Fatalf("expected a validation error for an empty identifier")
	}

	_, err = c.Limit(context.Background(), Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "k", Limit: 0, Duration: time.Minute})
	if err == nil {
		t.Fatalf("expected a validation error for limit < 1")
	}

	_, err = c.Limit(context.Background(), Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "k", Limit: 1, Duration: time.Minute, Cost: -1})
	if err == nil {
		t.Fatalf("expected a validation error for negative cost")
	}
}

func TestLimitNamespaceAutoCreateDenied(t *testing.T) {
	c := newCoordinatorForOwnerTests(t)

	_, err := c.Limit(context.Background(), Request{
		WorkspaceID: "ws1", Namespace: "unknown-ns", Identifier: "k", Limit: 1, Duration: time.Minute, CanAutoCreate: false,
	})
	if err == nil {
		t.Fatalf("expected a not-found error when auto-create is disabled and the namespace is missing")
	}
}

func TestLimitEdgeShardingTagsIdentifierPerNode(t *testing.T) {
	store := newFakeOverrideStore()
	nsStore := newFakeNamespaceStore()
	ns, _ := nsStore.CreateIfAbsent(context.Background(), &override.Namespace{ID: "ns-1", WorkspaceID: "ws1", Name: "api"})
	_, _ = store.Upsert(context.Background(), &override.Override{ID: "ov-1", NamespaceID: ns.ID, Identifier: "edge-key", Limit: 5, DurationMs: 60000, Sharding: override.ShardingEdge})

	c1 := cache.New([]cache.Store{cache.NewLocalTier(1000, 0)}, nil)
	resolverA := override.NewResolver(c1, nsStore, store, time.Minute, 5*time.Minute)
	coordA := New(Config{SelfNodeID: "node-a", Counter: counter.New(nil), Resolver: resolverA, Ring: staticRing{owner: "node-a"}, Breakers: cluster.NewBreakerPool(cluster.BreakerOptions{}), Batch: NewBatchQueue(16, nil)})

	c2 := cache.New([]cache.Store{cache.NewLocalTier(1000, 0)}, nil)
	resolverB := override.NewResolver(c2, nsStore, store, time.Minute, 5*time.Minute)
	coordB := New(Config{SelfNodeID: "node-b", Counter: counter.New(nil), Resolver: resolverB, Ring: staticRing{owner: "node-b"}, Breakers: cluster.NewBreakerPool(cluster.BreakerOptions{}), Batch: NewBatchQueue(16, nil)})

	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "edge-key", Limit: 5, Duration: time.Minute, Cost: 5, CanAutoCreate: false}

	resA, err := coordA.Limit(context.Background(), req)
	if err != nil || !resA.Success {
		t.Fatalf("expected node-a to exhaust its own edge counter: %+v, err=%v", resA, err)
	}
	resB, err := coordB.Limit(context.Background(), req)
	if err != nil || !resB.Success {
		t.Fatalf("expected node-b to have an independent edge counter, unaffected by node-a's: %+v, err=%v", resB, err)
	}
}

func TestLimitRejectsWhileDraining(t *testing.T) {
	c := newCoordinatorForOwnerTests(t)
	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("drain with no in-flight calls should return immediately: %v", err)
	}

	_, err := c.Limit(context.Background(), Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "k", Limit: 1, Duration: time.Minute, CanAutoCreate: true})
	if err == nil {
		t.Fatalf("expected Limit to reject new calls once draining")
	}
}

func TestLimitRemainingNeverExceedsLimit(t *testing.T) {
	c := newCoordinatorForOwnerTests(t)
	req := Request{WorkspaceID: "ws1", Namespace: "api", Identifier: "key-inv", Limit: 4, Duration: time.Minute, Cost: 1, CanAutoCreate: true}

	for i := 0; i < 10; i++ {
		res, _ := c.Limit(context.Background(), req)
		if res.Remaining < 0 || res.Remaining > res.Limit {
			t.Fatalf("remaining out of bounds: %+v", res)
		}
	}
}

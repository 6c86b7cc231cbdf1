package override

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ratewarden/ratewarden/internal/apperrors"
	"github.com/ratewarden/ratewarden/internal/cache"
)

// NamespaceStore is the persistence capability C3 needs for
// namespaces, per spec.md §6's relational schema.
type NamespaceStore interface {
	GetByName(ctx context.Context, workspaceID, name string) (*Namespace, error)
	GetByID(ctx context.Context, id string) (*Namespace, error)
	CreateIfAbsent(ctx context.Context, ns *Namespace) (*Namespace, error)
}

// OverrideStore is the persistence capability C3 needs for overrides.
type OverrideStore interface {
	ListByNamespace(ctx context.Context, namespaceID string) ([]Override, error)
	// ListPage is the cursor-paginated variant spec.md §6's listOverrides
	// endpoint needs: cursor is the last ID seen ("" for the first page),
	// results are ordered by ID ascending, and the returned cursor is
	// "" once there is nothing left to page through.
	ListPage(ctx context.Context, namespaceID, cursor string, pageSize int) ([]Override, string, error)
	Upsert(ctx context.Context, ov *Override) (*Override, error)
	Get(ctx context.Context, namespaceID, identifier string) (*Override, error)
	Delete(ctx context.Context, namespaceID, identifier string) error
}

// Request is the input to Resolver.Resolve: the caller-supplied
// identity plus fallback defaults, per spec.md §4.3.
type Request struct {
	WorkspaceID      string
	NamespaceName    string
	Identifier       string
	DefaultLimit     int64
	DefaultDuration  time.Duration
	DefaultAsyncMode bool
	CanAutoCreate    bool
}

// Resolver implements C3's SWR-backed resolution algorithm end to
// end: namespace lookup/auto-create through the cache, override list
// fetch, wildcard priority matching.
type Resolver struct {
	cache      *cache.Cache
	namespaces NamespaceStore
	overrides  OverrideStore
	freshFor   time.Duration
	staleFor   time.Duration
}

func NewResolver(c *cache.Cache, namespaces NamespaceStore, overrides OverrideStore, freshFor, staleFor time.Duration) *Resolver {
	return &Resolver{
		cache:      c,
		namespaces: namespaces,
		overrides:  overrides,
		freshFor:   freshFor,
		staleFor:   staleFor,
	}
}

// Resolve implements spec.md §4.3's full algorithm.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Policy, error) {
	ns, err := r.resolveNamespace(ctx, req)
	if err != nil {
		return Policy{}, err
	}

	overrides, err := r.loadOverrides(ctx, ns)
	if err != nil {
		return Policy{}, err
	}

	match := Resolve(overrides, req.Identifier)
	if match == nil {
		return Policy{
			Limit:     req.DefaultLimit,
			Duration:  req.DefaultDuration,
			AsyncMode: req.DefaultAsyncMode,
			Sharding:  ShardingGlobal,
		}, nil
	}
	return Policy{
		Limit:      match.Limit,
		Duration:   time.Duration(match.DurationMs) * time.Millisecond,
		AsyncMode:  match.AsyncMode,
		Sharding:   match.Sharding,
		OverrideID: match.ID,
	}, nil
}

func (r *Resolver) resolveNamespace(ctx context.Context, req Request) (*Namespace, error) {
	cacheKey := req.WorkspaceID + ":" + req.NamespaceName
	v, err := r.cache.SWR(ctx, "namespace", cacheKey, func(ctx context.Context) (any, time.Duration, time.Duration, error) {
		ns, loadErr := r.namespaces.GetByName(ctx, req.WorkspaceID, req.NamespaceName)
		if loadErr != nil {
			return nil, 0, 0, loadErr
		}
		if ns != nil {
			return ns, r.freshFor, r.staleFor, nil
		}
		if !req.CanAutoCreate {
			return nil, 0, 0, apperrors.ErrNamespaceMissing
		}
		created, createErr := r.namespaces.CreateIfAbsent(ctx, &Namespace{
			ID:          uuid.NewString(),
			WorkspaceID: req.WorkspaceID,
			Name:        req.NamespaceName,
			CreatedAt:   time.Now(),
		})
		if createErr != nil {
			return nil, 0, 0, createErr
		}
		return created, r.freshFor, r.staleFor, nil
	})
	if err != nil {
		return nil, err
	}
	ns, ok := v.(*Namespace)
	if !ok {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "namespace cache entry had unexpected type", nil)
	}
	return ns, nil
}

// loadOverrides goes through the same cache/SWR mechanism as
// resolveNamespace rather than a private, unbounded cache: a
// namespace's override list must converge cluster-wide within
// spec.md §3's "effective immediately on the next cache revalidation
// (<=60s)" bound, and only the shared Cache (fronted by a shared
// tier when one is configured, and revalidated in the background by
// SWR regardless) can give every node that guarantee.
func (r *Resolver) loadOverrides(ctx context.Context, ns *Namespace) ([]Override, error) {
	v, err := r.cache.SWR(ctx, "overrides", ns.ID, func(ctx context.Context) (any, time.Duration, time.Duration, error) {
		list, loadErr := r.overrides.ListByNamespace(ctx, ns.ID)
		if loadErr != nil {
			return nil, 0, 0, loadErr
		}
		return list, r.freshFor, r.staleFor, nil
	})
	if err != nil {
		return nil, err
	}
	list, ok := v.([]Override)
	if !ok {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "override cache entry had unexpected type", nil)
	}
	return list, nil
}

// Invalidate drops the cached override list for a namespace on this
// node, triggering a fresh ListByNamespace on next resolution. Called
// by the admin CRUD surface right after a write so the writer's own
// node observes its change immediately; every other node still picks
// it up within freshFor+staleFor via loadOverrides' own revalidation,
// since there is no cross-node invalidation broadcast.
func (r *Resolver) Invalidate(ctx context.Context, namespaceID string) {
	_ = r.cache.Remove(ctx, "overrides", namespaceID)
}

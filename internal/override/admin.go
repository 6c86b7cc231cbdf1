package override

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ratewarden/ratewarden/internal/apperrors"
)

// AdminRequest identifies an override by either its namespace's name
// (looked up under a workspace) or its namespace ID directly, matching
// spec.md §6's "identified by (namespace_name | namespace_id,
// identifier)" CRUD contract.
type AdminRequest struct {
	WorkspaceID   string
	NamespaceName string
	NamespaceID   string
	Identifier    string
	Limit         int64
	DurationMs    int64
	AsyncMode     bool
	Sharding      Sharding
}

// Admin implements the four Override CRUD operations spec.md §6
// names: setOverride, getOverride, listOverrides, deleteOverride. It
// sits next to Resolver rather than inside it because CRUD is a cold,
// low-QPS admin surface with different concerns (validation,
// cache invalidation) than the hot resolution path.
type Admin struct {
	namespaces NamespaceStore
	overrides  OverrideStore
	resolver   *Resolver
}

func NewAdmin(namespaces NamespaceStore, overrides OverrideStore, resolver *Resolver) *Admin {
	return &Admin{namespaces: namespaces, overrides: overrides, resolver: resolver}
}

func (a *Admin) namespaceID(ctx context.Context, req AdminRequest) (string, error) {
	if req.NamespaceID != "" {
		ns, err := a.namespaces.GetByID(ctx, req.NamespaceID)
		if err != nil {
			return "", err
		}
		return ns.ID, nil
	}
	if req.NamespaceName == "" {
		return "", apperrors.Wrap(apperrors.CodeBadRequest, "namespace_id or namespace_name is required", nil)
	}
	ns, err := a.namespaces.GetByName(ctx, req.WorkspaceID, req.NamespaceName)
	if err != nil {
		return "", err
	}
	if ns == nil {
		return "", apperrors.ErrNamespaceMissing
	}
	return ns.ID, nil
}

// SetOverride creates or replaces the override matching
// (namespace, identifier), per spec.md §6's setOverride.
func (a *Admin) SetOverride(ctx context.Context, req AdminRequest) (*Override, error) {
	if req.Identifier == "" || req.Limit < 1 || req.DurationMs < 1 {
		return nil, apperrors.Wrap(apperrors.CodeBadRequest, "identifier, limit and duration are required", nil)
	}
	nsID, err := a.namespaceID(ctx, req)
	if err != nil {
		return nil, err
	}
	sharding := req.Sharding
	if sharding == "" {
		sharding = ShardingGlobal
	}
	existing, err := a.overrides.Get(ctx, nsID, req.Identifier)
	if err != nil && apperrors.CodeOf(err) != apperrors.CodeNotFound {
		return nil, err
	}
	ov := &Override{
		ID:          uuid.NewString(),
		NamespaceID: nsID,
		Identifier:  req.Identifier,
		Limit:       req.Limit,
		DurationMs:  req.DurationMs,
		AsyncMode:   req.AsyncMode,
		Sharding:    sharding,
		CreatedAt:   time.Now(),
	}
	if existing != nil {
		ov.ID = existing.ID
		ov.CreatedAt = existing.CreatedAt
	}
	saved, err := a.overrides.Upsert(ctx, ov)
	if err != nil {
		return nil, err
	}
	a.resolver.Invalidate(ctx, nsID)
	return saved, nil
}

// GetOverride implements spec.md §6's getOverride.
func (a *Admin) GetOverride(ctx context.Context, req AdminRequest) (*Override, error) {
	nsID, err := a.namespaceID(ctx, req)
	if err != nil {
		return nil, err
	}
	return a.overrides.Get(ctx, nsID, req.Identifier)
}

// ListOverrides implements spec.md §6's cursor-paginated listOverrides.
func (a *Admin) ListOverrides(ctx context.Context, req AdminRequest, cursor string, pageSize int) ([]Override, string, error) {
	nsID, err := a.namespaceID(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return a.overrides.ListPage(ctx, nsID, cursor, pageSize)
}

// DeleteOverride implements spec.md §6's deleteOverride.
func (a *Admin) DeleteOverride(ctx context.Context, req AdminRequest) error {
	nsID, err := a.namespaceID(ctx, req)
	if err != nil {
		return err
	}
	if err := a.overrides.Delete(ctx, nsID, req.Identifier); err != nil {
		return err
	}
	a.resolver.Invalidate(ctx, nsID)
	return nil
}

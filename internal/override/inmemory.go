package override

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ratewarden/ratewarden/internal/apperrors"
)

// InMemoryStore backs both NamespaceStore and OverrideStore with
// plain maps, grounded on the teacher's store/inmemory/db_inmemory.go
// (mutex-guarded map, idempotent create-or-fetch). It is what
// NewApplication falls back to when no Postgres DSN is configured, the
// same role InMemoryRuleDB plays as the teacher's zero-value default.
type InMemoryStore struct {
	mu         sync.Mutex
	namespaces map[string]*Namespace            // by ID
	byName     map[string]*Namespace             // workspaceID+"/"+name
	overrides  map[string]map[string]*Override  // namespaceID -> identifier -> override
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		namespaces: make(map[string]*Namespace),
		byName:     make(map[string]*Namespace),
		overrides:  make(map[string]map[string]*Override),
	}
}

func (s *InMemoryStore) GetByName(ctx context.Context, workspaceID, name string) (*Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byName[workspaceID+"/"+name], nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id string) (*Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[id]
	if !ok {
		return nil, apperrors.ErrNamespaceMissing
	}
	return ns, nil
}

func (s *InMemoryStore) CreateIfAbsent(ctx context.Context, ns *Namespace) (*Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ns.WorkspaceID + "/" + ns.Name
	if existing, ok := s.byName[key]; ok {
		return existing, nil
	}
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = time.Now()
	}
	s.byName[key] = ns
	s.namespaces[ns.ID] = ns
	return ns, nil
}

func (s *InMemoryStore) ListByNamespace(ctx context.Context, namespaceID string) ([]Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Override
	for _, ov := range s.overrides[namespaceID] {
		out = append(out, *ov)
	}
	return out, nil
}

// ListPage orders by ID ascending, mirroring GormStore's cursor
// contract so callers behave identically regardless of backend.
func (s *InMemoryStore) ListPage(ctx context.Context, namespaceID, cursor string, pageSize int) ([]Override, string, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	all, _ := s.ListByNamespace(ctx, namespaceID)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := sort.Search(len(all), func(i int) bool { return all[i].ID > cursor })
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	next := ""
	if end < len(all) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, ov *Override) (*Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ov.ID == "" {
		ov.ID = uuid.NewString()
	}
	ov.UpdatedAt = time.Now()
	if _, ok := s.overrides[ov.NamespaceID]; !ok {
		s.overrides[ov.NamespaceID] = make(map[string]*Override)
	}
	s.overrides[ov.NamespaceID][ov.Identifier] = ov
	return ov, nil
}

func (s *InMemoryStore) Get(ctx context.Context, namespaceID, identifier string) (*Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, ok := s.overrides[namespaceID][identifier]
	if !ok {
		return nil, apperrors.ErrNamespaceMissing
	}
	return ov, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, namespaceID, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[namespaceID][identifier]; !ok {
		return apperrors.ErrNamespaceMissing
	}
	delete(s.overrides[namespaceID], identifier)
	return nil
}

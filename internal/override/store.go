package override

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ratewarden/ratewarden/internal/apperrors"
)

// GormStore persists namespaces and overrides relationally, grounded
// on the teacher's db_inmemory.go (InMemoryRuleDB's idempotent-insert
// and optimistic-concurrency shape) generalized to a real table via
// gorm.io/gorm, per SPEC_FULL.md §3.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the namespaces/overrides tables if absent. Called
// once at startup; not on the hot path.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&Namespace{}, &Override{})
}

func (s *GormStore) GetByName(ctx context.Context, workspaceID, name string) (*Namespace, error) {
	var ns Namespace
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND name = ? AND deleted_at IS NULL", workspaceID, name).
		First(&ns).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "namespace lookup failed", err)
	}
	return &ns, nil
}

// CreateIfAbsent inserts ns, tolerating a concurrent duplicate insert
// from another request racing to auto-create the same namespace
// (spec.md §8 scenario 4), returning whichever row won.
func (s *GormStore) CreateIfAbsent(ctx context.Context, ns *Namespace) (*Namespace, error) {
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Create(ns).Error
	if err == nil {
		return ns, nil
	}
	// A unique-constraint violation means another request already
	// created the row; fetch and return it instead of failing.
	existing, getErr := s.GetByName(ctx, ns.WorkspaceID, ns.Name)
	if getErr != nil {
		return nil, getErr
	}
	if existing != nil {
		return existing, nil
	}
	return nil, apperrors.Wrap(apperrors.CodeInternal, "namespace create failed", err)
}

func (s *GormStore) ListByNamespace(ctx context.Context, namespaceID string) ([]Override, error) {
	var overrides []Override
	err := s.db.WithContext(ctx).
		Where("namespace_id = ? AND deleted_at IS NULL", namespaceID).
		Find(&overrides).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "override list failed", err)
	}
	return overrides, nil
}

func (s *GormStore) GetByID(ctx context.Context, id string) (*Namespace, error) {
	var ns Namespace
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&ns).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNamespaceMissing
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "namespace lookup failed", err)
	}
	return &ns, nil
}

// ListPage orders by id ascending and pages with a "greater than the
// last-seen id" cursor, avoiding the page-drift a LIMIT/OFFSET scheme
// would suffer under concurrent inserts.
func (s *GormStore) ListPage(ctx context.Context, namespaceID, cursor string, pageSize int) ([]Override, string, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	q := s.db.WithContext(ctx).
		Where("namespace_id = ? AND deleted_at IS NULL", namespaceID)
	if cursor != "" {
		q = q.Where("id > ?", cursor)
	}
	var overrides []Override
	err := q.Order("id ASC").Limit(pageSize + 1).Find(&overrides).Error
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeInternal, "override list page failed", err)
	}
	next := ""
	if len(overrides) > pageSize {
		next = overrides[pageSize-1].ID
		overrides = overrides[:pageSize]
	}
	return overrides, next, nil
}

func (s *GormStore) Upsert(ctx context.Context, ov *Override) (*Override, error) {
	if ov.ID == "" {
		ov.ID = uuid.NewString()
	}
	ov.UpdatedAt = time.Now()
	err := s.db.WithContext(ctx).
		Where("namespace_id = ? AND identifier = ?", ov.NamespaceID, ov.Identifier).
		Assign(ov).
		FirstOrCreate(ov).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "override upsert failed", err)
	}
	return ov, nil
}

func (s *GormStore) Get(ctx context.Context, namespaceID, identifier string) (*Override, error) {
	var ov Override
	err := s.db.WithContext(ctx).
		Where("namespace_id = ? AND identifier = ? AND deleted_at IS NULL", namespaceID, identifier).
		First(&ov).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNamespaceMissing
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "override lookup failed", err)
	}
	return &ov, nil
}

func (s *GormStore) Delete(ctx context.Context, namespaceID, identifier string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&Override{}).
		Where("namespace_id = ? AND identifier = ? AND deleted_at IS NULL", namespaceID, identifier).
		Update("deleted_at", &now)
	if res.Error != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "override delete failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrNamespaceMissing
	}
	return nil
}

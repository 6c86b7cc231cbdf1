// Package override implements C3: maps (workspace, namespace,
// identifier) to effective limit parameters, with wildcard matching,
// per spec.md §4.3.
package override

import "time"

// Sharding selects how a resolved policy's counter is partitioned
// across the cluster, per spec.md §3's Override.sharding directive.
type Sharding string

const (
	ShardingEdge   Sharding = "edge"
	ShardingGlobal Sharding = "global"
)

// Namespace is spec.md §3's Namespace entity.
type Namespace struct {
	ID          string `gorm:"primaryKey"`
	WorkspaceID string `gorm:"index:idx_namespace_workspace_name,unique"`
	Name        string `gorm:"index:idx_namespace_workspace_name,unique"`
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// Override is spec.md §3's Override entity.
type Override struct {
	ID          string `gorm:"primaryKey"`
	NamespaceID string `gorm:"index:idx_override_namespace_identifier,unique"`
	Identifier  string `gorm:"index:idx_override_namespace_identifier,unique"` // pattern, may contain '*'
	Limit       int64
	DurationMs  int64
	AsyncMode   bool
	Sharding    Sharding
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Policy is the effective parameter set a Limit call resolves to,
// per spec.md §4.3.
type Policy struct {
	Limit      int64
	Duration   time.Duration
	AsyncMode  bool
	Sharding   Sharding
	OverrideID string // empty when the caller-provided defaults were used
}

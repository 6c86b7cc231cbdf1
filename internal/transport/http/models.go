// Package httptransport serves the public Limit API and the
// administrative override CRUD surface described in spec.md §6. It is
// one of several possible transports over the coordinator and admin
// surfaces, following the teacher's transport/http package split.
package httptransport

import (
	"time"

	"github.com/ratewarden/ratewarden/internal/apperrors"
	"github.com/ratewarden/ratewarden/internal/limiter"
	"github.com/ratewarden/ratewarden/internal/override"
)

// LimitRequest is spec.md §6's wire-exact Limit request.
type LimitRequest struct {
	Namespace  string `json:"namespace"`
	Identifier string `json:"identifier"`
	Limit      int64  `json:"limit"`
	DurationMs int64  `json:"duration"`
	Cost       *int64 `json:"cost,omitempty"`
	Async      bool   `json:"async"`
}

// LimitResponse is spec.md §6's wire-exact Limit response.
type LimitResponse struct {
	Success    bool   `json:"success"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	Reset      int64  `json:"reset"`
	OverrideID string `json:"overrideId"`
}

// errorResponse is spec.md §7's user-visible failure envelope.
type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	DocsURL   string `json:"docs_url"`
	RequestID string `json:"request_id"`
}

const docsURL = "https://docs.ratewarden.dev/errors"

func toLimitRequest(workspaceID string, canAutoCreate bool, req LimitRequest) limiter.Request {
	cost := int64(1)
	if req.Cost != nil {
		cost = *req.Cost
	}
	return limiter.Request{
		WorkspaceID:   workspaceID,
		Namespace:     req.Namespace,
		Identifier:    req.Identifier,
		Limit:         req.Limit,
		Duration:      time.Duration(req.DurationMs) * time.Millisecond,
		Cost:          cost,
		Async:         req.Async,
		CanAutoCreate: canAutoCreate,
	}
}

func fromLimitResult(res limiter.Result) LimitResponse {
	return LimitResponse{
		Success:    res.Success,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		Reset:      res.ResetAt.UnixMilli(),
		OverrideID: res.OverrideID,
	}
}

func validateLimitRequest(req LimitRequest) error {
	if req.Namespace == "" || len(req.Namespace) > 255 {
		return apperrors.Wrap(apperrors.CodeBadRequest, "namespace must be 1..255 characters", nil)
	}
	if req.Identifier == "" || len(req.Identifier) > 255 {
		return apperrors.Wrap(apperrors.CodeBadRequest, "identifier must be 1..255 characters", nil)
	}
	if req.Limit < 1 {
		return apperrors.Wrap(apperrors.CodeBadRequest, "limit must be >= 1", nil)
	}
	if req.DurationMs < 1000 || req.DurationMs > 86_400_000 {
		return apperrors.Wrap(apperrors.CodeBadRequest, "duration must be between 1000 and 86400000 ms", nil)
	}
	if req.Cost != nil && *req.Cost < 0 {
		return apperrors.Wrap(apperrors.CodeBadRequest, "cost must be >= 0", nil)
	}
	return nil
}

// OverrideRequest is the admin CRUD wire shape shared by setOverride,
// getOverride and deleteOverride, identified by
// (namespace_name | namespace_id, identifier) per spec.md §6.
type OverrideRequest struct {
	NamespaceName string `json:"namespace_name,omitempty"`
	NamespaceID   string `json:"namespace_id,omitempty"`
	Identifier    string `json:"identifier"`
	Limit         int64  `json:"limit,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
	AsyncMode     bool   `json:"async_mode,omitempty"`
	Sharding      string `json:"sharding,omitempty"`
}

// OverrideResponse is the admin CRUD wire shape for a single override.
type OverrideResponse struct {
	ID          string `json:"id"`
	NamespaceID string `json:"namespace_id"`
	Identifier  string `json:"identifier"`
	Limit       int64  `json:"limit"`
	DurationMs  int64  `json:"duration_ms"`
	AsyncMode   bool   `json:"async_mode"`
	Sharding    string `json:"sharding"`
}

// OverrideListResponse is listOverrides' cursor-paginated envelope.
type OverrideListResponse struct {
	Overrides  []OverrideResponse `json:"overrides"`
	NextCursor string             `json:"next_cursor"`
}

func toAdminRequest(workspaceID string, req OverrideRequest) override.AdminRequest {
	sharding := override.Sharding(req.Sharding)
	if sharding == "" {
		sharding = override.ShardingGlobal
	}
	return override.AdminRequest{
		WorkspaceID:   workspaceID,
		NamespaceName: req.NamespaceName,
		NamespaceID:   req.NamespaceID,
		Identifier:    req.Identifier,
		Limit:         req.Limit,
		DurationMs:    req.DurationMs,
		AsyncMode:     req.AsyncMode,
		Sharding:      sharding,
	}
}

func fromOverride(ov *override.Override) OverrideResponse {
	if ov == nil {
		return OverrideResponse{}
	}
	return OverrideResponse{
		ID:          ov.ID,
		NamespaceID: ov.NamespaceID,
		Identifier:  ov.Identifier,
		Limit:       ov.Limit,
		DurationMs:  ov.DurationMs,
		AsyncMode:   ov.AsyncMode,
		Sharding:    string(ov.Sharding),
	}
}

func fromOverrideList(overrides []override.Override, next string) OverrideListResponse {
	resp := make([]OverrideResponse, len(overrides))
	for i := range overrides {
		resp[i] = fromOverride(&overrides[i])
	}
	return OverrideListResponse{Overrides: resp, NextCursor: next}
}

package httptransport

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ratewarden/ratewarden/internal/apperrors"
)

func (t *Transport) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ratelimit/limit", t.handleLimit)
	mux.HandleFunc("/v1/admin/overrides", t.handleOverride)
	mux.HandleFunc("/v1/admin/overrides/list", t.handleOverrideList)
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)
	mux.HandleFunc("/metrics", t.handleMetrics)
	mux.HandleFunc("/mode", t.handleMode)
}

func (t *Transport) handleLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	defer func() {
		t.metrics.ObserveLatency("http_limit", time.Since(start), nil)
	}()

	var req LimitRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, err)
		return
	}
	if err := validateLimitRequest(req); err != nil {
		t.writeError(w, r, err)
		return
	}
	workspaceID, canAutoCreate, err := t.resolver(r)
	if err != nil {
		t.writeError(w, r, err)
		return
	}

	res, err := t.coordinator.Limit(r.Context(), toLimitRequest(workspaceID, canAutoCreate, req))
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromLimitResult(res))
}

func (t *Transport) handleOverride(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		t.handleSetOverride(w, r)
	case http.MethodGet:
		t.handleGetOverride(w, r)
	case http.MethodDelete:
		t.handleDeleteOverride(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// setOverride implements spec.md §6's setOverride.
func (t *Transport) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := t.decodeJSON(w, r, &req); err != nil {
		t.writeError(w, r, err)
		return
	}
	workspaceID, _, err := t.resolver(r)
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	ov, err := t.admin.SetOverride(r.Context(), toAdminRequest(workspaceID, req))
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromOverride(ov))
}

// getOverride implements spec.md §6's getOverride.
func (t *Transport) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	req, err := overrideRequestFromQuery(r)
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	workspaceID, _, err := t.resolver(r)
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	ov, err := t.admin.GetOverride(r.Context(), toAdminRequest(workspaceID, req))
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromOverride(ov))
}

// deleteOverride implements spec.md §6's deleteOverride.
func (t *Transport) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	req, err := overrideRequestFromQuery(r)
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	workspaceID, _, err := t.resolver(r)
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	if err := t.admin.DeleteOverride(r.Context(), toAdminRequest(workspaceID, req)); err != nil {
		t.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listOverrides implements spec.md §6's cursor-paginated listOverrides.
func (t *Transport) handleOverrideList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	query := r.URL.Query()
	req := OverrideRequest{
		NamespaceName: query.Get("namespace_name"),
		NamespaceID:   query.Get("namespace_id"),
	}
	if req.NamespaceName == "" && req.NamespaceID == "" {
		t.writeError(w, r, apperrors.ErrInvalidInput)
		return
	}
	workspaceID, _, err := t.resolver(r)
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	pageSize := 50
	cursor := query.Get("cursor")
	overrides, next, err := t.admin.ListOverrides(r.Context(), toAdminRequest(workspaceID, req), cursor, pageSize)
	if err != nil {
		t.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fromOverrideList(overrides, next))
}

func overrideRequestFromQuery(r *http.Request) (OverrideRequest, error) {
	query := r.URL.Query()
	req := OverrideRequest{
		NamespaceName: query.Get("namespace_name"),
		NamespaceID:   query.Get("namespace_id"),
		Identifier:    query.Get("identifier"),
	}
	if (req.NamespaceName == "" && req.NamespaceID == "") || req.Identifier == "" {
		return OverrideRequest{}, apperrors.ErrInvalidInput
	}
	return req, nil
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *Transport) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.ready != nil && t.ready() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (t *Transport) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	t.metricsPage.ServeHTTP(w, r)
}

func (t *Transport) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": t.mode()})
}

func (t *Transport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return apperrors.ErrInvalidInput
	}
	maxBytes := t.maxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return apperrors.ErrInvalidInput
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return apperrors.ErrInvalidInput
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError implements spec.md §7's user-visible failure envelope:
// {code, message, docs_url, request_id}, success/remaining/reset
// omitted, HTTP status derived from the error taxonomy.
func (t *Transport) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusForCode(code)
	requestID := uuid.NewString()
	t.logRequestError(r, status, err)
	message := err.Error()
	if code == apperrors.CodeInternal {
		message = "internal server error"
	}
	writeJSON(w, status, errorResponse{
		Code:      string(code),
		Message:   message,
		DocsURL:   docsURL,
		RequestID: requestID,
	})
}

func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.CodeBadRequest:
		return http.StatusBadRequest
	case apperrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeClusterTransient:
		return http.StatusServiceUnavailable
	case apperrors.CodeClusterPersistent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (t *Transport) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !t.enableAuth {
		return true
	}
	expected := "Bearer " + t.adminToken
	if r.Header.Get("Authorization") != expected {
		t.writeError(w, r, apperrors.ErrUnauthorized)
		return false
	}
	return true
}

func (t *Transport) logRequestError(r *http.Request, status int, err error) {
	fields := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err.Error(),
	}
	if status >= http.StatusInternalServerError {
		t.logger.Error("http request error", fields)
		return
	}
	t.logger.Info("http request error", fields)
}

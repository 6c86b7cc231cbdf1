// Package apperrors provides the typed error taxonomy shared by every
// component: counters, the cache, the override resolver, the cluster
// fabric and the limiter coordinator all fail through an AppError
// rather than an ad hoc error string, so transports can map a single
// code space onto their own status codes.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure the way it is surfaced to callers.
type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeClusterTransient   ErrorCode = "CLUSTER_TRANSIENT"
	CodeClusterPersistent  ErrorCode = "CLUSTER_PERSISTENT"
	CodeInternal           ErrorCode = "INTERNAL_SERVER_ERROR"
)

// AppError is the result-union error type. Every subsystem boundary in
// this module returns one of these instead of an opaque error.
type AppError struct {
	Code      ErrorCode
	Message   string
	RequestID string
	cause     error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// Wrap builds an AppError with the given code, message and optional
// cause. A nil cause is fine; Wrap never returns nil.
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, cause: cause}
}

// WithRequestID attaches a request ID for inclusion in responses,
// returning the receiver for chaining at the construction site.
func (e *AppError) WithRequestID(id string) *AppError {
	if e == nil {
		return nil
	}
	e.RequestID = id
	return e
}

// CodeOf extracts the ErrorCode of err, defaulting to CodeInternal for
// errors that were never classified.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if err == nil {
		return ""
	}
	return CodeInternal
}

// Retryable reports whether the taxonomy allows retrying a failure of
// this code off the hot path (spec §7: transient cluster failures are
// retried with backoff; everything else is not).
func Retryable(code ErrorCode) bool {
	return code == CodeClusterTransient
}

var (
	ErrInvalidInput     = Wrap(CodeBadRequest, "invalid input", nil)
	ErrNamespaceMissing = Wrap(CodeNotFound, "namespace not found", nil)
	ErrOriginUnavailable = Wrap(CodeClusterTransient, "origin node unavailable", nil)
	ErrUnauthorized     = Wrap(CodeUnauthorized, "unauthorized", nil)
)

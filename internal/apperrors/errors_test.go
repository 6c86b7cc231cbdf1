package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndCodeOf(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeClusterTransient, "push failed", cause)

	require.Equal(t, CodeClusterTransient, CodeOf(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "push failed")
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	require.Equal(t, CodeInternal, CodeOf(errors.New("unclassified")))
	require.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(CodeClusterTransient))
	require.False(t, Retryable(CodeClusterPersistent))
	require.False(t, Retryable(CodeBadRequest))
}

func TestWithRequestID(t *testing.T) {
	err := Wrap(CodeInternal, "oops", nil).WithRequestID("req-1")
	require.Equal(t, "req-1", err.RequestID)
}

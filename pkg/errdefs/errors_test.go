package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "direct kinded error",
			err:      New(KindConflict, "duplicate event id"),
			expected: KindConflict,
		},
		{
			name:     "wrapped kinded error",
			err:      fmt.Errorf("ingest failed: %w", New(KindAuthFailed, "bad token")),
			expected: KindAuthFailed,
		},
		{
			name:     "plain error defaults to internal",
			err:      errors.New("boom"),
			expected: KindInternal,
		},
		{
			name:     "nil error has no kind",
			err:      nil,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransportFailed, "connection reset")))
	assert.True(t, Retryable(New(KindRateLimited, "429")))
	assert.False(t, Retryable(New(KindAuthFailed, "401")))
	assert.False(t, Retryable(New(KindScopeViolation, "out of scope")))
	assert.False(t, Retryable(New(KindIntegrityAlarm, "chain mismatch")))
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindTransportFailed, "submit bundle", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransportFailed, KindOf(err))
	assert.Contains(t, err.Error(), "submit bundle")

	assert.Nil(t, Wrap(KindTransportFailed, "no-op", nil))
}

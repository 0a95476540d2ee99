package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Is(t *testing.T) {
	err := NewDimensionMismatchError("user-1", 3, 2)

	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.False(t, errors.Is(err, ErrDetection))

	wrapped := fmt.Errorf("append failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrDimensionMismatch))
	assert.True(t, IsType(wrapped, ErrorTypeDimensionMismatch))
	assert.Equal(t, 3, err.Details["expected"])
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewPersistenceError("persist baseline").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "persist baseline: connection refused", err.Error())
}

func TestIsType(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		errType  ErrorType
		expected bool
	}{
		{"disabled service", ErrServiceDisabled, ErrorTypeConfiguration, true},
		{"detection", NewDetectionError("boom"), ErrorTypeDetection, true},
		{"plain error", errors.New("plain"), ErrorTypeDetection, false},
		{"nil", nil, ErrorTypeDetection, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsType(tt.err, tt.errType))
		})
	}
}

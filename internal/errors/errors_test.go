package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	t.Run("New formats type and message", func(t *testing.T) {
		err := New(ErrorTypeValidation, "Invalid input", http.StatusBadRequest)
		assert.Equal(t, "VALIDATION_ERROR: Invalid input", err.Error())
		assert.Equal(t, http.StatusBadRequest, err.HTTPStatus)
	})

	t.Run("Wrap keeps the cause", func(t *testing.T) {
		cause := errors.New("pipe closed")
		err := Wrap(cause, ErrorTypeTransientIO, "video read failed", http.StatusServiceUnavailable)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "pipe closed")
	})

	t.Run("WithDetails and WithCode", func(t *testing.T) {
		err := NewValidationError("bad").WithCode("E1").WithDetails(map[string]interface{}{"field": "fps"})
		assert.Equal(t, "E1", err.Code)
		assert.Equal(t, "fps", err.Details["field"])
	})
}

func TestIngestionConstructors(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name     string
		err      *AppError
		wantType ErrorType
	}{
		{"transient", NewTransientIOError(cause, "read"), ErrorTypeTransientIO},
		{"fatal init", NewFatalInitError(cause, "open decoder"), ErrorTypeFatalInit},
		{"handshake", NewHandshakeTimeoutError(cause, "connect"), ErrorTypeHandshakeTimeout},
		{"contract", NewContractViolationError("unbalanced"), ErrorTypeContractViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.True(t, IsType(tt.err, tt.wantType))
		})
	}
}

func TestGetAppError_Chain(t *testing.T) {
	inner := NewFatalInitError(errors.New("no decoder"), "audio init")
	wrapped := fmt.Errorf("session cam-1: %w", inner)

	appErr, ok := GetAppError(wrapped)
	require.True(t, ok)
	assert.Same(t, inner, appErr)
	assert.True(t, IsType(wrapped, ErrorTypeFatalInit))
	assert.False(t, IsType(wrapped, ErrorTypeTransientIO))

	_, ok = GetAppError(errors.New("plain"))
	assert.False(t, ok)
	assert.False(t, IsType(nil, ErrorTypeInternal))
}

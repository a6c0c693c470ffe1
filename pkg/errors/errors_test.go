package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	assert.Same(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	err.WithContext("field", "guid").WithContext("count", 42)

	assert.Equal(t, "guid", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestNewStreamUnavailableError_CarriesDetails(t *testing.T) {
	cause := errors.New("no container")
	err := NewStreamUnavailableError(cause, []string{"flv: denied", "rtsp: timeout"})

	assert.Equal(t, ErrCodeStreamUnavailable, err.Code)
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus)
	assert.Equal(t, []string{"flv: denied", "rtsp: timeout"}, err.Context["details"])
}

func TestNewSessionUnavailableError(t *testing.T) {
	err := NewSessionUnavailableError(errors.New("no operator credentials"))
	assert.Equal(t, ErrCodeSessionUnavailable, err.Code)
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus)
}

func TestGetAppError_UnwrapsChain(t *testing.T) {
	appErr := NewNotFoundError("stream")
	wrapped := fmt.Errorf("lookup: %w", appErr)

	assert.Same(t, appErr, GetAppError(wrapped))
	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
}

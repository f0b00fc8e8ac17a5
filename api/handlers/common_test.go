package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/api"
	"github.com/BaSui01/meshforge/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"message":"hello"}`, w.Body.String())
}

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-42"))
	w := httptest.NewRecorder()

	WriteSuccess(w, r, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp api.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name           string
		err            *types.Error
		expectedStatus int
	}{
		{"invalid input", types.NewError(types.ErrInvalidInput, "exactly 4 images are required"), http.StatusBadRequest},
		{"preprocess", types.NewPreprocessError(2, "c.png", errors.New("decode")), http.StatusBadRequest},
		{"not found", types.NewError(types.ErrNotFound, "job not found"), http.StatusNotFound},
		{"transition", types.NewError(types.ErrInvalidTransition, "bad"), http.StatusConflict},
		{"rate limited", types.NewError(types.ErrRateLimited, "slow down"), http.StatusTooManyRequests},
		{"upstream", types.NewError(types.ErrUpstreamError, "bad gateway"), http.StatusBadGateway},
		{"upload", types.NewError(types.ErrUploadError, "put failed"), http.StatusBadGateway},
		{"unavailable", types.NewError(types.ErrUnavailable, "at capacity").WithRetryable(true), http.StatusServiceUnavailable},
		{"timeout", types.NewError(types.ErrTimeout, "too slow"), http.StatusGatewayTimeout},
		{"config", types.NewError(types.ErrConfigError, "no key"), http.StatusInternalServerError},
		{"explicit status wins", types.NewError(types.ErrInvalidInput, "too big").WithHTTPStatus(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err, zap.NewNop())

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp api.Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Message, resp.Error.Message)
			assert.Equal(t, tt.err.Retryable, resp.Error.Retryable)
		})
	}
}

func TestWriteAnyError_PlainErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAnyError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("boom"), nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp api.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestHTTPStatusFor_Cancelled(t *testing.T) {
	assert.Equal(t, StatusClientClosedRequest, HTTPStatusFor(types.ErrCancelled))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFor("SOMETHING_ELSE"))
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)
	rw.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
	assert.Same(t, http.ResponseWriter(rec), rw.Unwrap())
}

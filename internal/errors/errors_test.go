package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	cause := stderrors.New("squeue: command not found")

	ext := WrapExternalService(cause, "scheduler unavailable")
	wrapped := fmt.Errorf("poll cycle: %w", ext)
	assert.True(t, IsExternalService(wrapped))
	assert.False(t, IsPolicyViolation(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "scheduler unavailable: squeue: command not found", ext.Error())

	pv := NewPolicyViolationError(cause, "job owned by another user")
	assert.True(t, IsPolicyViolation(pv))
	assert.False(t, IsExternalService(pv))

	assert.True(t, IsInvalidInput(WrapInvalidInput(cause, "bad flag")))
	assert.False(t, IsExternalService(cause))
	assert.Equal(t, "crucible down", NewExternalServiceError("crucible down").Error())
}

func TestWrapInternal_CorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "cycle-7")
	err := WrapInternal(ctx, stderrors.New("boom"), "cycle failed")
	assert.Equal(t, "cycle-7", err.CorrelationID)
	assert.Equal(t, KindInternal, err.Kind)

	//nolint:staticcheck // nil context is tolerated
	assert.Empty(t, WrapInternal(nil, stderrors.New("x"), "y").CorrelationID)
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"external", WrapExternalService(stderrors.New("db"), "store unreachable"), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"invalid", WrapInvalidInput(stderrors.New("x"), "bad stage"), http.StatusBadRequest, "INVALID_INPUT"},
		{"policy", NewPolicyViolationError(stderrors.New("x"), "owner"), http.StatusConflict, "POLICY_VIOLATION"},
		{"plain", stderrors.New("oops"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.Header.Set("X-Request-ID", "req-1")
			rec := httptest.NewRecorder()

			RespondWithError(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, "req-1", body.Error.RequestID)
		})
	}
}

func TestWriteEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-Request-ID", "req-9")

	env, err := NewEnvelope(req, "VALIDATION_ERROR", "unknown stage").WithContext(map[string]any{
		"stage": "calib",
	})
	require.NoError(t, err)
	env = env.WithDetails(map[string]any{"accepted": []string{"spinup", "calibration", "validation"}})

	rec := httptest.NewRecorder()
	WriteEnvelope(rec, env, http.StatusBadRequest)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	assert.Equal(t, "unknown stage", body.Error.Message)
	assert.Equal(t, "req-9", body.Error.RequestID)
	assert.Equal(t, "calib", body.Error.Details["stage"])
	assert.Len(t, body.Error.Details["accepted"], 3)
}

func TestRespondWithError_CorrelationFromCycle(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "cycle-3")
	rec := httptest.NewRecorder()

	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/status", nil), WrapInternal(ctx, stderrors.New("boom"), "cycle failed"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Equal(t, "cycle-3", body.Error.RequestID)
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/hydrocal/internal/errors"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	t.Run("custom responder receives the error", func(t *testing.T) {
		var got error
		SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		})

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/status", nil), assert.AnError)

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Equal(t, assert.AnError, got)
	})

	t.Run("nil restores the default", func(t *testing.T) {
		SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, _ error) {
			w.WriteHeader(http.StatusTeapot)
		})
		SetHTTPErrorResponder(nil)

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/status", nil), assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestDefaultResponder_Classification(t *testing.T) {
	ResetHTTPErrorResponder()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "scheduler unreachable",
			err:    apperrors.WrapExternalService(errors.New("squeue: exit 1"), "list jobs"),
			status: http.StatusServiceUnavailable,
			code:   "SERVICE_UNAVAILABLE",
		},
		{
			name:   "job owned by someone else",
			err:    apperrors.NewPolicyViolationError(errors.New("owner mismatch"), "job owned by another user"),
			status: http.StatusConflict,
			code:   "POLICY_VIOLATION",
		},
		{
			name:   "bad stage",
			err:    apperrors.WrapInvalidInput(errors.New("unknown stage"), "invalid stage"),
			status: http.StatusBadRequest,
			code:   "INVALID_INPUT",
		},
		{
			name:   "anything else",
			err:    errors.New("disk full"),
			status: http.StatusInternalServerError,
			code:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.Header.Set("X-Request-ID", "req-1")
			rec := httptest.NewRecorder()

			respondWithError(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, "req-1", body.Error.RequestID)
		})
	}
}

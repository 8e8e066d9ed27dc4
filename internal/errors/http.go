package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

const requestIDHeader = "X-Request-ID"

// HTTPError is the body of every error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON envelope: {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// NewEnvelope starts an envelope for r, correlated by its request id.
func NewEnvelope(r *http.Request, code, message string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if r == nil {
		return env
	}
	if id := r.Header.Get(requestIDHeader); id != "" {
		env = env.WithCorrelationID(id)
	}
	return env.WithPath(r.URL.Path)
}

// WriteEnvelope renders env with the given status. Context entries are
// folded into details.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	body := HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
	}
	if len(env.Details)+len(env.Context) > 0 {
		body.Details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			body.Details[k] = v
		}
		for k, v := range env.Context {
			body.Details[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// RespondWithError maps err to a status and code.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, severity := http.StatusInternalServerError, "INTERNAL_ERROR", gferrors.SeverityHigh
	switch {
	case IsExternalService(err):
		status, code, severity = http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", gferrors.SeverityHigh
	case IsInvalidInput(err):
		status, code, severity = http.StatusBadRequest, "INVALID_INPUT", gferrors.SeverityLow
	case IsPolicyViolation(err):
		status, code, severity = http.StatusConflict, "POLICY_VIOLATION", gferrors.SeverityMedium
	}
	env := gferrors.SafeWithSeverity(NewEnvelope(r, code, err.Error()), severity)
	var app *AppError
	if stderrors.As(err, &app) && app.CorrelationID != "" && env.CorrelationID == "" {
		env = env.WithCorrelationID(app.CorrelationID)
	}
	WriteEnvelope(w, env, status)
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteEnvelope(w, NewEnvelope(r, "NOT_FOUND", "no route for "+r.Method+" "+r.URL.Path), http.StatusNotFound)
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteEnvelope(w, NewEnvelope(r, "METHOD_NOT_ALLOWED", r.Method+" is not allowed on "+r.URL.Path), http.StatusMethodNotAllowed)
}

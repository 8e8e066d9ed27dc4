package middleware

import (
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"

	apperrors "github.com/3leaps/hydrocal/internal/errors"
)

// Recovery turns a handler panic into a 500 JSON envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			env := apperrors.NewEnvelope(r, "INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
			if id := GetRequestID(r.Context()); id != "" {
				env = env.WithCorrelationID(id)
			}
			env = errors.SafeWithSeverity(env, errors.SeverityCritical)
			apperrors.WriteEnvelope(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

package handlers

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/3leaps/hydrocal/internal/errors"
	"github.com/3leaps/hydrocal/pkg/coordinator"
	"github.com/3leaps/hydrocal/pkg/progress"
)

// StatusProvider produces the current job report.
type StatusProvider interface {
	Report(ctx context.Context) (*coordinator.Report, error)
}

// StatusProviderFunc adapts a function to StatusProvider.
type StatusProviderFunc func(ctx context.Context) (*coordinator.Report, error)

func (f StatusProviderFunc) Report(ctx context.Context) (*coordinator.Report, error) { return f(ctx) }

// StatusHandler serves the per-unit report read from the progress store.
// It never writes anything.
func StatusHandler(p StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			respondWithError(w, r, apperrors.NewExternalServiceError("no job is attached to this server"))
			return
		}
		report, err := p.Report(r.Context())
		if err != nil {
			if errors.Is(err, progress.ErrJobNotFound) {
				apperrors.WriteEnvelope(w, apperrors.NewEnvelope(r, "NOT_FOUND", err.Error()), http.StatusNotFound)
				return
			}
			respondWithError(w, r, apperrors.WrapExternalService(err, "read progress store"))
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

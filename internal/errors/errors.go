// Package errors classifies failures the way the CLI reports them and renders
// the JSON error envelope used by the status server.
//
// The classes follow how the orchestrator reacts:
//   - external service errors (scheduler tooling, progress store) propagate
//     immediately and exit non-zero
//   - policy violations (a job running under another OS user) are fatal
//     integrity faults
//   - internal errors are everything else
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Kind is the class of an AppError.
type Kind string

const (
	KindExternalService Kind = "EXTERNAL_SERVICE"
	KindPolicyViolation Kind = "POLICY_VIOLATION"
	KindInvalidInput    Kind = "INVALID_INPUT"
	KindInternal        Kind = "INTERNAL"
)

// AppError carries a kind and a human message around an optional cause.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
	// CorrelationID ties the error to a poll cycle or request when known.
	CorrelationID string
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// NewExternalServiceError reports an unreachable collaborator.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Kind: KindExternalService, Message: message}
}

// WrapExternalService wraps err as an external service failure.
func WrapExternalService(err error, message string) *AppError {
	return &AppError{Kind: KindExternalService, Message: message, Cause: err}
}

// NewPolicyViolationError reports an integrity fault that must abort the run.
func NewPolicyViolationError(err error, message string) *AppError {
	return &AppError{Kind: KindPolicyViolation, Message: message, Cause: err}
}

func WrapInvalidInput(err error, message string) *AppError {
	return &AppError{Kind: KindInvalidInput, Message: message, Cause: err}
}

type correlationKey struct{}

// WithCorrelationID stores an id that WrapInternal attaches to errors.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// WrapInternal wraps err as an internal error, carrying the context's
// correlation id if one was set.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Kind: KindInternal, Message: message, Cause: err}
	if ctx != nil {
		if id, ok := ctx.Value(correlationKey{}).(string); ok {
			e.CorrelationID = id
		}
	}
	return e
}

func kindOf(err error) (Kind, bool) {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Kind, true
	}
	return "", false
}

func IsExternalService(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindExternalService
}

func IsPolicyViolation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPolicyViolation
}

func IsInvalidInput(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInvalidInput
}

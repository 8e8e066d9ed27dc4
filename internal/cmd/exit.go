package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
)

const (
	exitInvalidArgument            = foundry.ExitInvalidArgument
	exitExternalServiceUnavailable = foundry.ExitExternalServiceUnavailable
	exitFileNotFound               = foundry.ExitFileNotFound
	exitFileReadError              = foundry.ExitFileReadError
	exitFileWriteError             = foundry.ExitFileWriteError
	exitSignalInt                  = foundry.ExitSignalInt
)

// ExitError carries the process exit code out of a RunE.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

package loadtest

import (
	"errors"
	"fmt"
)

// Setup error sentinels
var (
	ErrNoPrompts          = errors.New("prompt pool is empty")
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")
	ErrSessionCancelled   = errors.New("session already cancelled")
)

// SetupError is a fatal failure before any load is generated
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup failed (%s): %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NewSetupError creates a new SetupError
func NewSetupError(stage string, err error) *SetupError {
	return &SetupError{Stage: stage, Err: err}
}

// IsSetupError checks if the error should abort the process before load starts
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

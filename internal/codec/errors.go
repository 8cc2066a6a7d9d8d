package codec

import (
	"errors"
	"fmt"
)

// Decode failure sentinels
var (
	ErrMissingField  = errors.New("missing field")
	ErrShapeMismatch = errors.New("shape mismatch")
)

// DecodeError wraps a decode failure with the tensor it concerns
type DecodeError struct {
	Tensor  string
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("decode %s: %s: %s", e.Tensor, e.Err, e.Message)
	}
	return fmt.Sprintf("decode %s: %s", e.Tensor, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsMissingField checks if the error reports an absent tensor
func IsMissingField(err error) bool {
	return errors.Is(err, ErrMissingField)
}

// IsShapeMismatch checks if the error reports an inconsistent tensor
func IsShapeMismatch(err error) bool {
	return errors.Is(err, ErrShapeMismatch)
}

// IsDecodeFailure checks if the error came from response decoding
func IsDecodeFailure(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

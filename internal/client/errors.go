package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Client error sentinels
var (
	ErrTimeout    = errors.New("request timed out")
	ErrHTTPStatus = errors.New("unexpected http status")
	ErrTransport  = errors.New("transport error")
)

// Kind classifies a client failure
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindHTTP      Kind = "http_error"
	KindTransport Kind = "transport_error"
)

// ClientError wraps a failed round trip with its classification
type ClientError struct {
	Kind       Kind
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ClientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s failed (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *ClientError) Is(target error) bool {
	switch e.Kind {
	case KindTimeout:
		return target == ErrTimeout
	case KindHTTP:
		return target == ErrHTTPStatus
	case KindTransport:
		return target == ErrTransport
	}
	return false
}

func newTimeoutError(operation string, err error) *ClientError {
	return &ClientError{Kind: KindTimeout, Operation: operation, Message: "no response within timeout", Err: err}
}

func newHTTPError(operation string, status int, snippet string) *ClientError {
	return &ClientError{Kind: KindHTTP, Operation: operation, StatusCode: status, Message: snippet}
}

func newTransportError(operation string, err error) *ClientError {
	return &ClientError{Kind: KindTransport, Operation: operation, Message: err.Error(), Err: err}
}

// classifyDoError turns an http.Client.Do failure into a ClientError
func classifyDoError(operation string, err error) *ClientError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newTimeoutError(operation, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newTimeoutError(operation, err)
	}
	return newTransportError(operation, err)
}

// IsTimeout checks if the error is a timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsHTTPError checks if the error carries a non-success status
func IsHTTPError(err error) bool {
	return errors.Is(err, ErrHTTPStatus)
}

// IsTransportError checks if the error is a lower-level connection or body fault
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}

// StatusCode returns the HTTP status of an HTTP error, or 0
func StatusCode(err error) int {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// IsRetryable checks if a retry could plausibly succeed
func IsRetryable(err error) bool {
	if IsTimeout(err) {
		return true
	}
	var ce *ClientError
	if errors.As(err, &ce) && ce.Kind == KindHTTP {
		return ce.StatusCode == http.StatusTooManyRequests ||
			(ce.StatusCode >= 500 && ce.StatusCode < 600)
	}
	return false
}

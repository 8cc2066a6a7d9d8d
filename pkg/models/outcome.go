package models

import (
	"fmt"
	"time"
)

// OutcomeKind classifies a single request attempt
type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomeHTTPError      OutcomeKind = "http_error"
	OutcomeTimeout        OutcomeKind = "timeout"
	OutcomeTransportError OutcomeKind = "transport_error"
	OutcomeDecodeError    OutcomeKind = "decode_error"
)

// AllOutcomeKinds lists every kind in reporting order
var AllOutcomeKinds = []OutcomeKind{
	OutcomeSuccess,
	OutcomeHTTPError,
	OutcomeTimeout,
	OutcomeTransportError,
	OutcomeDecodeError,
}

// WorkerOutcome is produced once per request attempt
type WorkerOutcome struct {
	WorkerID   int           `json:"worker_id"`
	Seq        int64         `json:"seq"`
	Kind       OutcomeKind   `json:"kind"`
	Latency    time.Duration `json:"latency"`
	StatusCode int           `json:"status_code,omitempty"`
	Message    string        `json:"message,omitempty"`
	Tokens     int           `json:"tokens,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	At         time.Time     `json:"at"`
}

// OK reports whether the attempt succeeded
func (o WorkerOutcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// String renders the outcome the way the console reporter prints it
func (o WorkerOutcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return fmt.Sprintf("[Worker %d] OK - %.2fs (%d tokens)", o.WorkerID, o.Latency.Seconds(), o.Tokens)
	case OutcomeHTTPError:
		return fmt.Sprintf("[Worker %d] ERROR %d", o.WorkerID, o.StatusCode)
	case OutcomeTimeout:
		return fmt.Sprintf("[Worker %d] TIMEOUT", o.WorkerID)
	case OutcomeDecodeError:
		return fmt.Sprintf("[Worker %d] DECODE ERROR: %s", o.WorkerID, o.Message)
	default:
		return fmt.Sprintf("[Worker %d] ERROR: %s", o.WorkerID, o.Message)
	}
}

package mission

import (
	"errors"
	"fmt"
)

// Sentinel errors for mission operations.
var (
	ErrMissionTerminated    = errors.New("mission terminated")
	ErrRevisionLimitReached = errors.New("revision limit reached")
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
	ErrCheckpointResolved   = errors.New("checkpoint already resolved")
	ErrInvalidTransition    = errors.New("invalid phase transition")
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrGoalNotFound         = errors.New("goal not found")
	ErrPlanPhaseNotFound    = errors.New("plan phase not found")
	ErrPlanStepNotFound     = errors.New("plan step not found")
)

// ValidationError reports a malformed start request or local edit. It is
// raised before any network call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ProtocolError reports an event with an unrecognized type or a malformed
// payload. The reducer folds it into StreamState.LastError instead of failing.
type ProtocolError struct {
	EventType EventType
	EventID   string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: event %q: %v", e.EventType, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError returns true if err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var p *ProtocolError
	return errors.As(err, &p)
}

// TransportError reports that the event stream could not be established or was
// lost beyond the retry budget. It is terminal for a controller run.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError returns true if err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

package api

import (
	"errors"
	"fmt"
	"net/http"
)

// CommandError reports a failed outbound command. StatusCode is zero when the
// request never got a response.
type CommandError struct {
	Op         string
	MissionID  string
	StatusCode int
	Err        error
}

func (e *CommandError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Op, e.MissionID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.MissionID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Temporary returns true when retrying the same command may succeed.
func (e *CommandError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsCommandFailed returns true if err is or wraps a CommandError.
func IsCommandFailed(err error) bool {
	var c *CommandError
	return errors.As(err, &c)
}

// IsNotFound returns true if the server answered 404 for the mission.
func IsNotFound(err error) bool {
	var c *CommandError
	return errors.As(err, &c) && c.StatusCode == http.StatusNotFound
}

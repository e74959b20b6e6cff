package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is wrapped by calls that did not receive a response in time.
	ErrTimeout = errors.New("knowledge worker call timed out")
	// ErrTooManyInFlight is returned when MaxInFlight calls are already outstanding.
	ErrTooManyInFlight = errors.New("too many in-flight knowledge worker calls")
	// ErrStopped rejects calls that were outstanding when the bridge was stopped.
	ErrStopped = errors.New("knowledge worker bridge stopped")
)

// ExitError rejects every call that was outstanding when the worker exited.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("knowledge worker exited with code %d", e.Code)
}

// RemoteError is an error reported by the worker for a single call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return "knowledge worker error: " + e.Message
	}
	return fmt.Sprintf("knowledge worker error in %s: %s", e.Method, e.Message)
}

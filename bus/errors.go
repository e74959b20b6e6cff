package bus

import "errors"

var (
	// ErrNotInitialized is returned by operations that need a started bus.
	ErrNotInitialized = errors.New("event bus not initialized")
	// ErrStopped is returned once the bus has been stopped.
	ErrStopped = errors.New("event bus stopped")
)

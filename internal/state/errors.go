package state

import "errors"

// Domain errors for state and sensor handling.
var (
	// ErrUnresolvedDevice is returned by stores when a message cannot be
	// matched to a registered device row.
	ErrUnresolvedDevice = errors.New("state: device not registered")

	// ErrClosed is returned when the manager has been closed.
	ErrClosed = errors.New("state: manager closed")
)

package registration

import "errors"

// Domain errors for the registration package.
var (
	// ErrInvalidMessage is returned when a registration payload is not valid
	// JSON or lacks a required field.
	ErrInvalidMessage = errors.New("registration: invalid message")

	// ErrRoomNotFound is returned when a controller's room cannot be resolved.
	ErrRoomNotFound = errors.New("registration: room not found")

	// ErrClosed is returned after the aggregator has been closed.
	ErrClosed = errors.New("registration: aggregator closed")
)

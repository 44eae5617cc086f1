package device

import "errors"

var (
	// ErrDeviceNotFound is returned when no record or alias matches an id.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrRateLimited means the message was dropped: the device spent its
	// per-second budget.
	ErrRateLimited = errors.New("device: rate limited")

	// ErrInvalidTopic is returned when a topic has no identity segments
	// left after the namespace is stripped.
	ErrInvalidTopic = errors.New("device: invalid topic")
)

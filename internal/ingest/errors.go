package ingest

import "errors"

var (
	// ErrClosed is returned for messages delivered after Close.
	ErrClosed = errors.New("ingest: dispatcher closed")

	// ErrPanic wraps a panic recovered while handling a message.
	ErrPanic = errors.New("ingest: handler panic")
)

package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange means a read position references trimmed history. The
	// caller must resubscribe from the current tail.
	ErrOutOfRange = errors.New("position predates retained history")

	// ErrInvalidResumePoint is returned by subscribe when the resume point is
	// trimmed or beyond the tail. It matches ErrOutOfRange with errors.Is.
	ErrInvalidResumePoint = fmt.Errorf("invalid resume point: %w", ErrOutOfRange)

	// ErrNotFound means the subscriber id is unknown, possibly expired concurrently.
	ErrNotFound = errors.New("subscriber not found")

	// ErrTransportSend wraps a push failure reported by a sink.
	ErrTransportSend = errors.New("transport send failed")

	// ErrInvalidEventType rejects a notification whose type would break framing.
	ErrInvalidEventType = errors.New("invalid event type")

	ErrInvalidTransport = errors.New("invalid transport kind")
	ErrNotPushCapable   = errors.New("transport is not push-capable")
	ErrNotPullCapable   = errors.New("transport is not pull-capable")
	ErrAlreadyAttached  = errors.New("push sink already attached")
	ErrClosed           = errors.New("hub is closed")
)

package comm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedPayload indicates that a payload exposes neither a buffer
	// view nor an encodable value.
	ErrUnsupportedPayload = errors.New("commgroup: unsupported payload")
	// ErrCountMismatch indicates that caller-supplied counts or displacements
	// are inconsistent with the paired buffer. Raised before any engine call.
	ErrCountMismatch = errors.New("commgroup: count mismatch")
	// ErrTruncated indicates that a receive buffer was too small for an
	// arriving message. Surfaced through the receive Status, the incoming
	// length is not knowable locally.
	ErrTruncated = errors.New("commgroup: message truncated")
	// ErrInvalidRequestState indicates an operation invoked on a request
	// outside the state that permits it.
	ErrInvalidRequestState = errors.New("commgroup: invalid request state")
	// ErrCommunicatorFreed indicates a call on a communicator after Free.
	ErrCommunicatorFreed = errors.New("commgroup: communicator freed")
	// ErrTimeout indicates that a bounded wait expired before completion.
	ErrTimeout = errors.New("commgroup: wait timed out")
)

// ErrInvalidHandle reports a nil or released resource handle.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return fmt.Sprintf("commgroup: invalid %s handle", e.Resource)
}

// Errno is an opaque engine error code.
type Errno int

func (e Errno) Error() string {
	return fmt.Sprintf("commgroup: engine errno %d", int(e))
}

// EngineError carries an engine-reported failure verbatim. This layer does not
// interpret or retry engine failures.
type EngineError struct {
	Code    Errno
	Message string
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return e.Code.Error()
	}
	return fmt.Sprintf("commgroup: engine error %d: %s", int(e.Code), e.Message)
}

// Unwrap allows errors.Is / errors.As to match against the underlying Errno.
func (e *EngineError) Unwrap() error {
	return e.Code
}

package interaction

import (
	"errors"
	"fmt"
	"time"
)

// Client errors.
var (
	// ErrRequestTimeout indicates no reply arrived before the deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrCommand indicates the receiver answered with an error record.
	ErrCommand = errors.New("command failed")

	// ErrConnectionLost indicates the connection ended while a request was pending.
	ErrConnectionLost = errors.New("connection lost")

	// ErrExhaustedIDs indicates every command id is held by a pending request.
	ErrExhaustedIDs = errors.New("command ids exhausted")

	// ErrDuplicateID indicates an id is already registered.
	ErrDuplicateID = errors.New("command id already pending")

	// ErrFlushInCallback indicates Flush was called from a notification
	// callback, which would wait on itself.
	ErrFlushInCallback = errors.New("flush called from a notification callback")

	// ErrClientClosed indicates the client was closed.
	ErrClientClosed = errors.New("client is closed")

	// ErrUnexpectedReply indicates a reply for no pending request, or a
	// request type arriving from the receiver.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrInvalidRequest indicates a request that cannot be sent.
	ErrInvalidRequest = errors.New("invalid request")
)

// TimeoutError is returned to the one caller whose request expired.
type TimeoutError struct {
	ID      uint32
	Feature string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request #%d (%s) timed out after %s", e.ID, e.Feature, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// CommandError carries the detail of an error record, or of a set the
// receiver did not acknowledge.
type CommandError struct {
	ID      uint32
	Feature string
	Detail  string
}

func (e *CommandError) Error() string {
	if e.Feature == "" {
		return fmt.Sprintf("command #%d failed: %s", e.ID, e.Detail)
	}
	return fmt.Sprintf("command #%d (%s) failed: %s", e.ID, e.Feature, e.Detail)
}

func (e *CommandError) Unwrap() error {
	return ErrCommand
}

// ConnectionLostError is delivered to every pending caller when the
// connection ends. Cause is the transport error, or nil on Disconnect.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return ErrConnectionLost.Error()
	}
	return fmt.Sprintf("%v: %v", ErrConnectionLost, e.Cause)
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionLost}
	}
	return []error{ErrConnectionLost, e.Cause}
}

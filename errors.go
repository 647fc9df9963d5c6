package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies connection and channel level failures per the error
// taxonomy: some are recoverable per-packet, others are terminal for the
// connection.
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	// ErrKindOutOfMemory: allocator returned nil while assembling a packet.
	ErrKindOutOfMemory
	// ErrKindChannelSendQueueFull: SendMessage called with no free slot. Recoverable.
	ErrKindChannelSendQueueFull
	// ErrKindChannelDesync: a reliable channel observed protocol corruption. Terminal.
	ErrKindChannelDesync
	// ErrKindSerializeFailure: a received packet failed to parse. Recoverable.
	ErrKindSerializeFailure
	// ErrKindStalePacket: received sequence below the window floor. Recoverable.
	ErrKindStalePacket
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNone:
		return "none"
	case ErrKindOutOfMemory:
		return "out of memory"
	case ErrKindChannelSendQueueFull:
		return "channel send queue full"
	case ErrKindChannelDesync:
		return "channel desync"
	case ErrKindSerializeFailure:
		return "serialize failure"
	case ErrKindStalePacket:
		return "stale packet"
	default:
		return "unknown"
	}
}

// Terminal reports whether an error of this kind puts the owning connection
// into a permanent errored state, refusing further packet generation.
func (k ErrorKind) Terminal() bool {
	return k == ErrKindChannelDesync
}

// Error is the concrete error type returned across the connection/channel
// boundary. It wraps an optional cause so errors.Cause recovers the root
// failure (e.g. the errFragmentIndex sentinel behind a desync) without
// losing the taxonomy at the top.
type Error struct {
	Kind  ErrorKind
	cause error
}

func NewError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("relay: %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("relay: %s", e.Kind)
}

func (e *Error) Cause() error { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

func wrapf(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return NewError(kind, errors.Wrapf(cause, format, args...))
}

package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a mid-session I/O failure. Messages that hit it are
	// queued and a reconnection cycle is started.
	ErrTransient = errors.New("transport: transient i/o failure")
	// ErrProtocol marks a malformed or unencodable payload. Messages that hit
	// it are dropped.
	ErrProtocol = errors.New("transport: protocol error")
	// ErrCancelled is returned when Disconnect interrupts a reconnection cycle.
	ErrCancelled = errors.New("transport: reconnection cancelled")

	ErrQueued              = errors.New("transport: message queued for later delivery")
	ErrNotConnected        = errors.New("transport: not connected")
	ErrNoTarget            = errors.New("transport: no known target to reconnect to")
	ErrReconnectInProgress = errors.New("transport: reconnection already in progress")
	ErrRetriesExhausted    = errors.New("transport: reconnection attempts exhausted")
	ErrUnknownChannel      = errors.New("transport: unknown channel")
	ErrEmptyMessage        = fmt.Errorf("%w: empty message", ErrProtocol)
	ErrMessageTooLong      = fmt.Errorf("%w: message too long", ErrProtocol)
)

// OpenError is returned by Connect when the target cannot be opened
// (device busy, host unreachable). It is never retried inline.
type OpenError struct {
	Target string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("transport: open %s: %v", e.Target, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ErrorKind classifies a failure for recovery purposes.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindProtocol
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Classify maps an error returned by a Link to a recovery kind.
// Only errors wrapping ErrProtocol are dropped; everything else, including
// EOF, closed pipes, resets and timeouts, is transient so a message is never
// silently dropped.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindTransient
	}
}

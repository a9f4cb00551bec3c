// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// ErrorKind is the category of an error returned by this package.
type ErrorKind int

const (
	// KindNone is the kind of a nil error.
	KindNone ErrorKind = iota

	// KindTransport is an OS-level I/O failure (usually a [syscall.Errno]).
	KindTransport

	// KindProtocol is a malformed or unexpected PDU from the peer.
	KindProtocol

	// KindSecurity is a TLS or wrap/unwrap failure. These errors are sticky.
	KindSecurity

	// KindResource is an allocation or resource exhaustion failure.
	KindResource

	// KindConcurrency is a violation of the single-outstanding-op rule.
	KindConcurrency
)

// String implements [fmt.Stringer].
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindSecurity:
		return "security"
	case KindResource:
		return "resource"
	case KindConcurrency:
		return "concurrency"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrBusy indicates that a read (or write) is already outstanding.
	ErrBusy = errors.New("tstream: operation already outstanding")

	// ErrConnectionClosed indicates an orderly end of stream. It wraps
	// [io.EOF] so that callers may test for either.
	ErrConnectionClosed = fmt.Errorf("tstream: connection closed by peer: %w", io.EOF)

	// ErrNotConnected indicates that the stream has no live transport.
	ErrNotConnected = errors.New("tstream: not connected")

	// ErrTimeout indicates that the deadline attached to an [*Op] expired.
	ErrTimeout = fmt.Errorf("tstream: operation timed out: %w", context.DeadlineExceeded)

	// ErrMessageTooLarge indicates a length prefix above the allowed ceiling
	// or a message too large for its framing.
	ErrMessageTooLarge = errors.New("tstream: message too large")

	// ErrMalformedPDU indicates that a PDU could not be decoded.
	ErrMalformedPDU = errors.New("tstream: malformed PDU")

	// ErrProtocol indicates a violation of the connection-setup protocol.
	ErrProtocol = errors.New("tstream: protocol error")

	// ErrWrapFailed indicates a failure of the security context.
	ErrWrapFailed = errors.New("tstream: security wrap failed")
)

// Error is an error annotated with its [ErrorKind] and failing operation.
type Error struct {
	// Kind is the error category.
	Kind ErrorKind

	// Op is the name of the failing operation (e.g., "readv").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap allows using [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err as an [*Error] unless it is nil or already an [*Error].
func newError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the [ErrorKind] of err.
//
// Errors not created by this package are mapped by inspection: a
// [syscall.Errno] is [KindTransport], [ErrBusy] is [KindConcurrency], and
// so on. Unknown errors are [KindTransport].
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrBusy):
		return KindConcurrency
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrMalformedPDU), errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrWrapFailed):
		return KindSecurity
	case errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.ENOBUFS):
		return KindResource
	default:
		return KindTransport
	}
}

// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrConnectionClosed is the cause of every failure that happens
	// because the connection went away.
	ErrConnectionClosed = errors.ConstError("connection is shut down")

	// ErrCancelled rejects a response that will never arrive because its
	// continuation or connection was closed first.
	ErrCancelled = errors.ConstError("cancelled")

	// ErrStreamClosed is returned when sending on a continuation that has
	// already been closed locally.
	ErrStreamClosed = errors.ConstError("stream closed")

	// ErrHandshakeRejected is returned when the server refuses the
	// connect handshake.
	ErrHandshakeRejected = errors.ConstError("connection rejected")

	// ErrNotConnected is returned when starting an operation before the
	// handshake has completed.
	ErrNotConnected = errors.ConstError("not connected")
)

// ProtocolError reports a violation of the wire protocol. It is always
// fatal to the connection it occurred on.
type ProtocolError struct {
	Reason string

	// Remote is set when the peer reported the violation.
	Remote bool
}

func (e *ProtocolError) Error() string {
	if e.Remote {
		return "peer reported protocol error: " + e.Reason
	}
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}

// InternalError is received in place of a response when the handler
// failed with an error the service model does not describe.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "internal server error: " + e.Message
}

// internalServerError is the only detail an unmodeled error carries
// over the wire.
const internalServerError = "InternalServerError"

// cancelled wraps cause so that it satisfies both ErrCancelled and cause.
type cancelled struct {
	cause error
}

func (e *cancelled) Error() string {
	if e.cause == nil {
		return ErrCancelled.Error()
	}
	return ErrCancelled.Error() + ": " + e.cause.Error()
}

func (e *cancelled) Is(target error) bool {
	return target == ErrCancelled
}

func (e *cancelled) Unwrap() error {
	return e.cause
}

func cancelledBy(cause error) error {
	return &cancelled{cause: cause}
}

// connectionClosed wraps the reason a connection went away so that it
// satisfies ErrConnectionClosed.
type connectionClosed struct {
	reason error
}

func (e *connectionClosed) Error() string {
	if e.reason == nil {
		return ErrConnectionClosed.Error()
	}
	return ErrConnectionClosed.Error() + ": " + e.reason.Error()
}

func (e *connectionClosed) Is(target error) bool {
	return target == ErrConnectionClosed
}

func (e *connectionClosed) Unwrap() error {
	return e.reason
}

func connectionClosedBy(reason error) error {
	if errors.Is(reason, ErrConnectionClosed) {
		return reason
	}
	return &connectionClosed{reason: reason}
}

// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import "time"

// Outcome classifies how the server finished a request.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeModeledError Outcome = "modeled_error"
	OutcomeInternal     Outcome = "internal_error"
	OutcomeUnsupported  Outcome = "unsupported"
	OutcomeDenied       Outcome = "denied"
	OutcomeInvalid      Outcome = "invalid"
)

// Observer is told about significant events on a connection, typically
// to record metrics. Implementations must be safe for concurrent use
// since many connections share one.
type Observer interface {
	// HandshakeCompleted is called once per connection with whether the
	// connection was accepted.
	HandshakeCompleted(accepted bool)

	// ContinuationOpened is called when a continuation is created.
	ContinuationOpened(operation string)

	// ContinuationClosed is called when a continuation closes.
	ContinuationClosed(operation string)

	// RequestServed is called by servers once the response to a request
	// has been decided.
	RequestServed(operation string, outcome Outcome, duration time.Duration)

	// ConnectionClosed is called once when the connection has gone.
	ConnectionClosed(err error)
}

type nopObserver struct{}

func (nopObserver) HandshakeCompleted(bool)                      {}
func (nopObserver) ContinuationOpened(string)                    {}
func (nopObserver) ContinuationClosed(string)                    {}
func (nopObserver) RequestServed(string, Outcome, time.Duration) {}
func (nopObserver) ConnectionClosed(error)                       {}

// NopObserver returns an Observer that ignores everything.
func NopObserver() Observer {
	return nopObserver{}
}

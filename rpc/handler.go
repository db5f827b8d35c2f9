// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/eventstream/rpc/eventstream"
	"github.com/juju/eventstream/rpc/model"
)

// Identity is the authenticated peer of a server connection.
type Identity interface {
	// IdentityLabel returns a printable name for the identity, used in
	// logs.
	IdentityLabel() string
}

// Authenticator turns the credentials carried by a Connect message into
// an Identity. Returning an error rejects the connection.
type Authenticator interface {
	Authenticate(headers eventstream.Headers, payload []byte) (Identity, error)
}

// AuthenticatorFunc adapts a function to an Authenticator.
type AuthenticatorFunc func(headers eventstream.Headers, payload []byte) (Identity, error)

// Authenticate is part of the Authenticator interface.
func (f AuthenticatorFunc) Authenticate(headers eventstream.Headers, payload []byte) (Identity, error) {
	return f(headers, payload)
}

// Authorizer decides whether an identity may start an operation.
// Returning an error denies it.
type Authorizer interface {
	Authorize(identity Identity, operation string) error
}

// AuthorizerFunc adapts a function to an Authorizer.
type AuthorizerFunc func(identity Identity, operation string) error

// Authorize is part of the Authorizer interface.
func (f AuthorizerFunc) Authorize(identity Identity, operation string) error {
	return f(identity, operation)
}

// Handler serves a single continuation of an operation. Its methods are
// never called concurrently.
type Handler interface {
	// HandleRequest is called exactly once with the deserialized request.
	// Returning an error whose type is a modeled error shape sends that
	// error to the client; any other error is sent as an internal error.
	HandleRequest(ctx context.Context, request any) (any, error)

	// HandleStreamEvent is called for every inbound stream event, in
	// arrival order. Returning an error closes the continuation.
	HandleStreamEvent(ctx context.Context, event any) error

	// OnContinuationClosed is called exactly once when the continuation
	// closes for any reason.
	OnContinuationClosed()
}

// HandlerFactory creates the handler for a new continuation.
type HandlerFactory func(OperationContext) Handler

// HandlerFuncs implements Handler with optional functions.
type HandlerFuncs struct {
	Request     func(ctx context.Context, request any) (any, error)
	StreamEvent func(ctx context.Context, event any) error
	Closed      func()
}

// HandleRequest is part of the Handler interface.
func (h HandlerFuncs) HandleRequest(ctx context.Context, request any) (any, error) {
	if h.Request == nil {
		return nil, errors.NotImplementedf("request handler")
	}
	return h.Request(ctx, request)
}

// HandleStreamEvent is part of the Handler interface.
func (h HandlerFuncs) HandleStreamEvent(ctx context.Context, event any) error {
	if h.StreamEvent == nil {
		return errors.NotSupportedf("stream events")
	}
	return h.StreamEvent(ctx, event)
}

// OnContinuationClosed is part of the Handler interface.
func (h HandlerFuncs) OnContinuationClosed() {
	if h.Closed != nil {
		h.Closed()
	}
}

// Unary returns a factory for a request/response operation served by f.
func Unary[Req, Resp any](f func(ctx context.Context, request Req) (Resp, error)) HandlerFactory {
	return func(OperationContext) Handler {
		return HandlerFuncs{
			Request: func(ctx context.Context, request any) (any, error) {
				req, ok := request.(Req)
				if !ok {
					return nil, errors.Errorf("unexpected request type %T", request)
				}
				return f(ctx, req)
			},
		}
	}
}

// OperationContext is given to a handler factory, and lets the handler
// talk back to the client outside of HandleRequest.
type OperationContext interface {
	// Operation returns the model of the operation being served.
	Operation() *model.OperationModel

	// Identity returns the authenticated peer.
	Identity() Identity

	// ConnectionID returns the id of the connection serving the
	// operation.
	ConnectionID() string

	// Context is cancelled once the continuation closes.
	Context() context.Context

	// SendStreamEvent sends an event of the operation's streaming
	// response shape. Events sent before the response has been sent
	// are held until after it.
	SendStreamEvent(event any) *Future[struct{}]

	// Close terminates the continuation from the server side.
	Close() *Future[struct{}]
}

// StreamHandler receives the server's stream events on a client
// continuation. Its methods are never called concurrently.
type StreamHandler interface {
	// OnStreamEvent is called for every event, in arrival order.
	OnStreamEvent(event any)

	// OnStreamError is called when the server sends an error on the
	// stream. Returning true closes the continuation.
	OnStreamError(err error) bool

	// OnStreamClosed is called exactly once when the continuation closes.
	OnStreamClosed()
}

// StreamHandlerFuncs implements StreamHandler with optional functions.
type StreamHandlerFuncs struct {
	Event  func(event any)
	Error  func(err error) bool
	Closed func()
}

// OnStreamEvent is part of the StreamHandler interface.
func (h StreamHandlerFuncs) OnStreamEvent(event any) {
	if h.Event != nil {
		h.Event(event)
	}
}

// OnStreamError is part of the StreamHandler interface.
func (h StreamHandlerFuncs) OnStreamError(err error) bool {
	if h.Error != nil {
		return h.Error(err)
	}
	return true
}

// OnStreamClosed is part of the StreamHandler interface.
func (h StreamHandlerFuncs) OnStreamClosed() {
	if h.Closed != nil {
		h.Closed()
	}
}

// LifecycleHandler is told about the life of a connection. Its methods
// are never called concurrently and never on the goroutine dispatching
// frames, but must not call Conn.Close; use Conn.Kill instead.
type LifecycleHandler interface {
	// OnConnect is called once the handshake has succeeded.
	OnConnect()

	// OnDisconnect is called exactly once when the connection has gone,
	// with the reason or nil for an orderly close.
	OnDisconnect(err error)

	// OnError is called for errors that do not by themselves end the
	// connection. Returning true closes the connection.
	OnError(err error) bool
}

// LifecycleFuncs implements LifecycleHandler with optional functions.
type LifecycleFuncs struct {
	Connect    func()
	Disconnect func(err error)
	Error      func(err error) bool
}

// OnConnect is part of the LifecycleHandler interface.
func (f LifecycleFuncs) OnConnect() {
	if f.Connect != nil {
		f.Connect()
	}
}

// OnDisconnect is part of the LifecycleHandler interface.
func (f LifecycleFuncs) OnDisconnect(err error) {
	if f.Disconnect != nil {
		f.Disconnect(err)
	}
}

// OnError is part of the LifecycleHandler interface.
func (f LifecycleFuncs) OnError(err error) bool {
	if f.Error != nil {
		return f.Error(err)
	}
	return false
}

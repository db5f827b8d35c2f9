// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/eventstream/rpc/eventstream"
	"github.com/juju/eventstream/rpc/model"
)

// ServerConfig configures a server connection.
type ServerConfig struct {
	// Service is what the connection serves.
	Service *ServiceHandler

	Lifecycle LifecycleHandler
	Observer  Observer
	Clock     clock.Clock
	Logger    Logger

	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Validate ensures that the config values are valid.
func (c ServerConfig) Validate() error {
	if c.Service == nil {
		return errors.NotValidf("missing Service")
	}
	return validatePing(c.PingInterval, c.PingTimeout)
}

// NewServerConn returns a server connection running over transport. It
// waits for the client's Connect and serves requests once the client
// has been authenticated.
func NewServerConn(transport Transport, config ServerConfig) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := newConn(RoleServer, transport, config.Service.Model(), connParams{
		lifecycle:    config.Lifecycle,
		observer:     config.Observer,
		clock:        config.Clock,
		logger:       config.Logger,
		pingInterval: config.PingInterval,
		pingTimeout:  config.PingTimeout,
	})
	c.service = config.Service
	c.start(Connecting)
	return c, nil
}

func (c *Conn) serverHandshake(f *eventstream.Frame) error {
	if f.Type != eventstream.Connect || f.ContinuationID != 0 {
		return protocolErrorf("expected Connect, got %s on continuation %d", f.Type, f.ContinuationID)
	}
	if c.authenticating {
		return protocolErrorf("%s before authentication completed", f.Type)
	}
	if version, _ := f.Headers.GetString(VersionHeader); version != ProtocolVersion {
		return c.rejectConnection(fmt.Sprintf("unsupported protocol version %q", version))
	}
	c.authenticating = true
	headers, payload := f.Headers, f.Payload
	c.callbacks.submit(func() {
		identity, err := c.service.authenticator.Authenticate(headers, payload)
		if err == nil && identity == nil {
			err = errors.New("no identity")
		}
		c.post(func() error {
			return c.authenticated(identity, err)
		}, nil)
	})
	return nil
}

func (c *Conn) authenticated(identity Identity, err error) error {
	if err != nil {
		c.logger.Infof("connection %s failed authentication: %v", c.id, err)
		return c.rejectConnection(err.Error())
	}
	c.mu.Lock()
	c.identity = identity
	c.state = Connected
	c.mu.Unlock()

	c.observer.HandshakeCompleted(true)
	c.logger.Debugf("server connection %s accepted %s", c.id, identity.IdentityLabel())
	if err := c.writeFrame(&eventstream.Frame{
		Type:  eventstream.ConnectAck,
		Flags: eventstream.ConnectionAccepted,
	}); err != nil {
		return errors.Trace(err)
	}
	c.callbacks.submit(c.lifecycle.OnConnect)
	return nil
}

func (c *Conn) rejectConnection(reason string) error {
	c.observer.HandshakeCompleted(false)
	if err := c.writeFrame(&eventstream.Frame{
		Type: eventstream.ConnectAck,
		Headers: eventstream.Headers{
			{Name: ErrorMessageHeader, Value: eventstream.StringValue(reason)},
		},
	}); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(ErrHandshakeRejected, reason)
}

// serveRequest starts a new continuation for a Request with an unused
// id.
func (c *Conn) serveRequest(f *eventstream.Frame) error {
	id := f.ContinuationID
	if f.Terminates() {
		c.logger.Debugf("connection %s ignoring request on continuation %d terminated by the client", c.id, id)
		return nil
	}
	name, _ := f.Headers.GetString(OperationHeader)
	op, err := c.model.Resolve(name)
	if err != nil {
		c.observer.RequestServed(name, OutcomeUnsupported, 0)
		c.logger.Debugf("connection %s: %v", c.id, err)
		return c.rejectRequest(id, model.UnsupportedOperationShape, &model.UnsupportedOperation{
			Message: fmt.Sprintf("operation %q not supported", name),
		})
	}
	factory, _ := c.service.factory(name)

	cont := c.newContinuation(id, op)
	cont.open()
	identity := c.Identity()
	payload := f.Payload
	started := c.clock.Now()
	cont.exec.submit(func() {
		cont.serve(factory, identity, payload, started)
	})
	return nil
}

// rejectRequest answers a Request that never becomes a continuation.
func (c *Conn) rejectRequest(id uint32, shapeID model.ShapeID, v error) error {
	shape, _ := c.model.Shape(shapeID)
	f, err := c.payloadFrame(eventstream.Response, shape, v)
	if err != nil {
		return errors.Trace(err)
	}
	f.ContinuationID = id
	f.Flags = eventstream.ApplicationError | eventstream.TerminateStream
	if err := c.writeFrame(f); err != nil {
		return errors.Trace(err)
	}
	c.tombstones[id] = struct{}{}
	return nil
}

// serve runs on the continuation's executor.
func (cont *continuation) serve(factory HandlerFactory, identity Identity, payload []byte, started time.Time) {
	c := cont.conn
	name := cont.op.Name

	if cont.abandoned() {
		return
	}
	if err := c.service.authorizer.Authorize(identity, name); err != nil {
		c.logger.Infof("connection %s: %s denied %q: %v", c.id, identity.IdentityLabel(), name, err)
		cont.respondError(&model.AccessDenied{Message: err.Error()}, OutcomeDenied, started)
		return
	}
	if cont.abandoned() {
		return
	}

	cont.handler = factory(&operationContext{cont: cont, identity: identity})
	request, err := c.model.Deserialize(cont.op.Request, payload)
	if err != nil {
		cont.respondError(&model.ValidationException{Message: err.Error()}, OutcomeInvalid, started)
		return
	}
	response, err := cont.handler.HandleRequest(cont.ctx, request)
	if err != nil {
		cont.respondError(err, "", started)
		return
	}
	f, err := c.payloadFrame(eventstream.Response, cont.op.Response, response)
	if err != nil {
		cont.respondError(errors.Annotatef(err, "serializing %q response", name), "", started)
		return
	}
	if !cont.op.IsStreaming() {
		f.Flags |= eventstream.TerminateStream
	}
	c.observer.RequestServed(name, OutcomeOK, c.clock.Now().Sub(started))
	cont.respond(f)
}

// abandoned reports whether the client closed the continuation before
// its request was handled.
func (cont *continuation) abandoned() bool {
	if cont.State() != ContinuationClosed {
		return false
	}
	cont.conn.logger.Debugf("connection %s not serving %q on closed continuation %d", cont.conn.id, cont.op.Name, cont.id)
	return true
}

// respondError sends err as the response. An empty outcome is derived
// from whether err is modeled.
func (cont *continuation) respondError(err error, outcome Outcome, started time.Time) {
	f, derived := cont.conn.errorFrame(eventstream.Response, cont, err)
	if outcome == "" {
		outcome = derived
	}
	cont.conn.observer.RequestServed(cont.op.Name, outcome, cont.conn.clock.Now().Sub(started))
	cont.respond(f)
}

// respond writes the response, then any stream events held back while
// the request was being handled.
func (cont *continuation) respond(f *eventstream.Frame) {
	cont.conn.post(func() error {
		if cont.State() == ContinuationClosed {
			cont.conn.logger.Debugf("connection %s dropping response for closed continuation %d", cont.conn.id, cont.id)
			return nil
		}
		cont.responded = true
		if err := cont.write(f); err != nil {
			return errors.Trace(err)
		}
		held := cont.held
		cont.held = nil
		for _, h := range held {
			if cont.State() == ContinuationClosed {
				h.done.reject(ErrStreamClosed)
				continue
			}
			if err := cont.write(h.frame); err != nil {
				h.done.reject(err)
				return errors.Trace(err)
			}
			h.done.resolve(struct{}{})
		}
		return nil
	}, nil)
}

func (cont *continuation) handleServerFrame(f *eventstream.Frame) error {
	switch f.Type {
	case eventstream.Request:
		return protocolErrorf("second request on continuation %d", cont.id)
	case eventstream.StreamEvent:
		if isCloseFrame(f) {
			return nil
		}
		payload := f.Payload
		cont.exec.submit(func() {
			cont.deliverStreamEvent(payload)
		})
		return nil
	}
	return protocolErrorf("unexpected %s on continuation %d", f.Type, cont.id)
}

// deliverStreamEvent runs on the continuation's executor.
func (cont *continuation) deliverStreamEvent(payload []byte) {
	if cont.handler == nil {
		// The request was refused.
		return
	}
	c := cont.conn
	if cont.op.StreamingRequest == nil {
		cont.streamError(&model.ValidationException{
			Message: fmt.Sprintf("operation %q does not accept stream events", cont.op.Name),
		})
		return
	}
	event, err := c.model.Deserialize(cont.op.StreamingRequest, payload)
	if err != nil {
		cont.streamError(&model.ValidationException{Message: err.Error()})
		return
	}
	if err := cont.handler.HandleStreamEvent(cont.ctx, event); err != nil {
		cont.streamError(err)
	}
}

// streamError reports err on the stream and closes the continuation.
func (cont *continuation) streamError(err error) {
	f, _ := cont.conn.errorFrame(eventstream.StreamEvent, cont, err)
	cont.send(f)
}

// operationContext is the OperationContext of a server continuation.
type operationContext struct {
	cont     *continuation
	identity Identity
}

func (o *operationContext) Operation() *model.OperationModel {
	return o.cont.op
}

func (o *operationContext) Identity() Identity {
	return o.identity
}

func (o *operationContext) ConnectionID() string {
	return o.cont.conn.id
}

func (o *operationContext) Context() context.Context {
	return o.cont.ctx
}

func (o *operationContext) SendStreamEvent(event any) *Future[struct{}] {
	cont := o.cont
	if cont.op.StreamingResponse == nil {
		return failedFuture[struct{}](errors.NotSupportedf("stream events on %q", cont.op.Name))
	}
	f, err := cont.conn.payloadFrame(eventstream.StreamEvent, cont.op.StreamingResponse, event)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	return cont.send(f)
}

func (o *operationContext) Close() *Future[struct{}] {
	return o.cont.close()
}

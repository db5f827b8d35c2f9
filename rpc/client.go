// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/eventstream/rpc/eventstream"
	"github.com/juju/eventstream/rpc/model"
)

// ConnectMessageSupplier returns the headers and payload sent with the
// Connect message, typically the client's credentials. The :version
// header is always added.
type ConnectMessageSupplier func() (eventstream.Headers, []byte, error)

// ClientConfig configures a client connection.
type ClientConfig struct {
	// Model describes the operations the client may call.
	Model *model.ServiceModel

	// ConnectMessage supplies the credentials sent with Connect. It is
	// optional.
	ConnectMessage ConnectMessageSupplier

	Lifecycle LifecycleHandler
	Observer  Observer
	Clock     clock.Clock
	Logger    Logger

	// PingInterval, if set, sends a Ping that often.
	PingInterval time.Duration

	// PingTimeout, if set, closes the connection when nothing has been
	// received for that long.
	PingTimeout time.Duration
}

// Validate ensures that the config values are valid.
func (c ClientConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("missing Model")
	}
	return validatePing(c.PingInterval, c.PingTimeout)
}

// NewClientConn returns a client connection running over transport. The
// connection is not usable until Connect has succeeded.
func NewClientConn(transport Transport, config ClientConfig) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := newConn(RoleClient, transport, config.Model, connParams{
		lifecycle:    config.Lifecycle,
		observer:     config.Observer,
		clock:        config.Clock,
		logger:       config.Logger,
		pingInterval: config.PingInterval,
		pingTimeout:  config.PingTimeout,
	})
	c.connectMessage = config.ConnectMessage
	c.start(Disconnected)
	return c, nil
}

// Connect runs the handshake, returning once the server has accepted or
// rejected the connection. Abandoning the handshake through ctx kills
// the connection.
func (c *Conn) Connect(ctx context.Context) error {
	if c.role != RoleClient {
		return errors.NotSupportedf("connecting a %s connection", c.role)
	}
	var (
		headers eventstream.Headers
		payload []byte
	)
	if c.connectMessage != nil {
		var err error
		if headers, payload, err = c.connectMessage(); err != nil {
			return errors.Annotate(err, "building connect message")
		}
	}
	done := newFuture[struct{}]()
	c.post(func() error {
		return c.sendConnect(headers, payload, done)
	}, func(err error) { done.reject(err) })

	if _, err := done.Wait(ctx); err != nil {
		if !done.Settled() {
			c.tomb.Kill(errors.Annotate(err, "connect abandoned"))
		}
		return errors.Trace(err)
	}
	return nil
}

func (c *Conn) sendConnect(headers eventstream.Headers, payload []byte, done *Future[struct{}]) error {
	if c.State() != Disconnected {
		done.reject(errors.AlreadyExistsf("connect handshake"))
		return nil
	}
	c.setState(Connecting)
	c.connecting = done
	all := eventstream.Headers{{Name: VersionHeader, Value: eventstream.StringValue(ProtocolVersion)}}
	all = append(all, headers.Without(func(name string) bool { return name == VersionHeader })...)
	return c.writeFrame(&eventstream.Frame{
		Type:    eventstream.Connect,
		Headers: all,
		Payload: payload,
	})
}

func (c *Conn) clientHandshake(f *eventstream.Frame) error {
	if c.State() != Connecting {
		return protocolErrorf("%s before Connect was sent", f.Type)
	}
	if f.Type != eventstream.ConnectAck || f.ContinuationID != 0 {
		return protocolErrorf("expected ConnectAck, got %s on continuation %d", f.Type, f.ContinuationID)
	}
	if !f.Flags.Has(eventstream.ConnectionAccepted) {
		c.observer.HandshakeCompleted(false)
		err := error(ErrHandshakeRejected)
		if reason, _ := f.Headers.GetString(ErrorMessageHeader); reason != "" {
			err = errors.Annotate(ErrHandshakeRejected, reason)
		}
		c.connecting.reject(err)
		return err
	}
	c.setState(Connected)
	c.observer.HandshakeCompleted(true)
	c.logger.Debugf("client connection %s accepted", c.id)
	c.callbacks.submit(c.lifecycle.OnConnect)
	c.connecting.resolve(struct{}{})
	c.connecting = nil
	return nil
}

// ClientContinuation is an operation started by Activate.
type ClientContinuation struct {
	cont *continuation
}

// ID returns the continuation id.
func (cc *ClientContinuation) ID() uint32 {
	return cc.cont.id
}

// Operation returns the name of the operation.
func (cc *ClientContinuation) Operation() string {
	return cc.cont.op.Name
}

// State returns the continuation state.
func (cc *ClientContinuation) State() ContinuationState {
	return cc.cont.State()
}

// Response is settled with the deserialized response, the modeled error
// the server sent, or an error wrapping ErrCancelled if the continuation
// closed first.
func (cc *ClientContinuation) Response() *Future[any] {
	return cc.cont.response
}

// SendStreamEvent sends an event of the operation's streaming request
// shape. Sending after Close fails with ErrStreamClosed.
func (cc *ClientContinuation) SendStreamEvent(event any) *Future[struct{}] {
	cont := cc.cont
	if cont.op.StreamingRequest == nil {
		return failedFuture[struct{}](errors.NotSupportedf("stream events on %q", cont.op.Name))
	}
	f, err := cont.conn.payloadFrame(eventstream.StreamEvent, cont.op.StreamingRequest, event)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	return cont.send(f)
}

// Close terminates the continuation.
func (cc *ClientContinuation) Close() *Future[struct{}] {
	return cc.cont.close()
}

// Activate starts an operation, returning once its Request has been
// written. Operations with a streaming response need a StreamHandler.
func (c *Conn) Activate(ctx context.Context, operation string, request any, handler StreamHandler) (*ClientContinuation, error) {
	if c.role != RoleClient {
		return nil, errors.NotSupportedf("activating on a %s connection", c.role)
	}
	op, err := c.model.Resolve(operation)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if op.StreamingResponse != nil && handler == nil {
		return nil, errors.NotValidf("missing StreamHandler for %q", operation)
	}
	f, err := c.payloadFrame(eventstream.Request, op.Request, request)
	if err != nil {
		return nil, errors.Annotatef(err, "serializing %q request", operation)
	}
	f.Headers = append(eventstream.Headers{
		{Name: OperationHeader, Value: eventstream.StringValue(operation)},
	}, f.Headers...)

	cc := &ClientContinuation{}
	sent := newFuture[struct{}]()
	c.post(func() error {
		if c.State() != Connected {
			sent.reject(ErrNotConnected)
			return nil
		}
		cont := c.newContinuation(c.nextContinuationID(), op)
		cont.response = newFuture[any]()
		cont.stream = handler
		cc.cont = cont
		cont.open()
		if err := cont.write(f); err != nil {
			sent.reject(err)
			return err
		}
		sent.resolve(struct{}{})
		return nil
	}, func(err error) { sent.reject(err) })

	if _, err := sent.Wait(ctx); err != nil {
		// Nothing owns the continuation now, whether or not the
		// request went out.
		c.post(func() error {
			if cc.cont != nil {
				cc.cont.close()
			}
			return nil
		}, nil)
		return nil, errors.Trace(err)
	}
	return cc, nil
}

// Call runs a request/response operation. A modeled error from the
// server is returned unwrapped, so that callers may switch on its type.
func (c *Conn) Call(ctx context.Context, operation string, request any) (any, error) {
	cc, err := c.Activate(ctx, operation, request, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := cc.Response().Wait(ctx)
	if err != nil && !cc.Response().Settled() {
		cc.Close()
	}
	return resp, err
}

func (cont *continuation) handleClientFrame(f *eventstream.Frame) error {
	c := cont.conn
	switch f.Type {
	case eventstream.Response:
		if cont.responded {
			return protocolErrorf("second response on continuation %d", cont.id)
		}
		cont.responded = true
		if f.Flags.Has(eventstream.ApplicationError) {
			cont.response.reject(c.decodeError(f))
			return nil
		}
		v, err := c.model.Deserialize(cont.op.Response, f.Payload)
		if err != nil {
			c.reportError(err)
			cont.response.reject(err)
			return nil
		}
		cont.response.resolve(v)
		return nil

	case eventstream.StreamEvent:
		if isCloseFrame(f) {
			return nil
		}
		if !cont.responded {
			return protocolErrorf("stream event before response on continuation %d", cont.id)
		}
		if cont.stream == nil {
			c.logger.Debugf("connection %s dropping stream event for %q without handler", c.id, cont.op.Name)
			return nil
		}
		var streamErr error
		if f.Flags.Has(eventstream.ApplicationError) {
			streamErr = c.decodeError(f)
		} else if cont.op.StreamingResponse == nil {
			streamErr = errors.NotSupportedf("stream events on %q", cont.op.Name)
		} else {
			event, err := c.model.Deserialize(cont.op.StreamingResponse, f.Payload)
			if err != nil {
				streamErr = err
			} else {
				cont.exec.submit(func() { cont.stream.OnStreamEvent(event) })
				return nil
			}
		}
		terminating := f.Terminates()
		cont.exec.submit(func() {
			if cont.stream.OnStreamError(streamErr) && !terminating {
				cont.close()
			}
		})
		return nil
	}
	return protocolErrorf("unexpected %s on continuation %d", f.Type, cont.id)
}

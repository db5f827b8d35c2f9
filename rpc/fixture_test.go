// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc_test

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/eventstream/rpc"
	"github.com/juju/eventstream/rpc/eventstream"
	"github.com/juju/eventstream/rpc/model"
)

const longWait = 10 * time.Second

const (
	echoOp    = "test#Echo"
	failOp    = "test#Fail"
	waitOp    = "test#Wait"
	streamOp  = "test#Stream"
	missingOp = "test#Missing"
)

type message struct {
	Text string `json:"text"`
}

type boom struct {
	Message string `json:"message"`
}

func (e *boom) Error() string {
	return "boom: " + e.Message
}

type user string

func (u user) IdentityLabel() string {
	return string(u)
}

var (
	messageShape = model.Struct[*message]("test#Message")
	boomShape    = model.Error[*boom]("test#Boom")
)

// buildModel returns the test service model. The client's copy also
// knows an operation the server does not serve.
func buildModel(c *gc.C, withMissing bool) *model.ServiceModel {
	b := model.NewBuilder("test#Service").
		AddShapes(messageShape, boomShape).
		AddOperation(model.OperationModel{Name: echoOp, Request: messageShape, Response: messageShape}).
		AddOperation(model.OperationModel{
			Name:     failOp,
			Request:  messageShape,
			Response: messageShape,
			Errors:   []*model.Shape{boomShape},
		}).
		AddOperation(model.OperationModel{Name: waitOp, Request: messageShape, Response: messageShape}).
		AddOperation(model.OperationModel{
			Name:              streamOp,
			Request:           messageShape,
			Response:          messageShape,
			StreamingRequest:  messageShape,
			StreamingResponse: messageShape,
		})
	if withMissing {
		b.AddOperation(model.OperationModel{Name: missingOp, Request: messageShape, Response: messageShape})
	}
	m, err := b.Build()
	c.Assert(err, jc.ErrorIsNil)
	return m
}

func tokenAuthenticator(headers eventstream.Headers, _ []byte) (rpc.Identity, error) {
	if token, _ := headers.GetString("token"); token == "s3cret" {
		return user("alice"), nil
	}
	return nil, errors.Unauthorizedf("bad token")
}

func connectWith(token string) rpc.ConnectMessageSupplier {
	return func() (eventstream.Headers, []byte, error) {
		return eventstream.Headers{
			{Name: "token", Value: eventstream.StringValue(token)},
		}, nil, nil
	}
}

// continuationCounter counts continuations opened and closed.
type continuationCounter struct {
	rpc.Observer
	opened atomic.Int32
	closed atomic.Int32
}

func newContinuationCounter() *continuationCounter {
	return &continuationCounter{Observer: rpc.NopObserver()}
}

func (o *continuationCounter) ContinuationOpened(string) { o.opened.Add(1) }
func (o *continuationCounter) ContinuationClosed(string) { o.closed.Add(1) }

// lifecycle records the callbacks of a connection.
type lifecycle struct {
	connected    chan struct{}
	disconnected chan error
	errors       chan error
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan error, 1),
		errors:       make(chan error, 10),
	}
}

func (l *lifecycle) funcs() rpc.LifecycleFuncs {
	return rpc.LifecycleFuncs{
		Connect:    func() { l.connected <- struct{}{} },
		Disconnect: func(err error) { l.disconnected <- err },
		Error: func(err error) bool {
			l.errors <- err
			return false
		},
	}
}

// testHandlers serves the test service and records what happened on
// the server side.
type testHandlers struct {
	started chan struct{}
	events  chan string
	closed  chan string
}

func newTestHandlers() *testHandlers {
	return &testHandlers{
		started: make(chan struct{}, 10),
		events:  make(chan string, 10),
		closed:  make(chan string, 10),
	}
}

func (h *testHandlers) register(b *rpc.ServiceHandlerBuilder) *rpc.ServiceHandlerBuilder {
	return b.
		SetOperationHandler(echoOp, rpc.Unary(func(_ context.Context, m *message) (*message, error) {
			return &message{Text: m.Text}, nil
		})).
		SetOperationHandler(failOp, rpc.Unary(func(_ context.Context, m *message) (*message, error) {
			switch m.Text {
			case "modeled":
				return nil, &boom{Message: "bad"}
			case "wrapped":
				return nil, errors.Annotate(&boom{Message: "deep"}, "serving")
			}
			return nil, errors.New("secret detail")
		})).
		SetOperationHandler(waitOp, func(rpc.OperationContext) rpc.Handler {
			return rpc.HandlerFuncs{
				Request: func(ctx context.Context, _ any) (any, error) {
					h.started <- struct{}{}
					<-ctx.Done()
					return nil, ctx.Err()
				},
				Closed: func() { h.closed <- waitOp },
			}
		}).
		SetOperationHandler(streamOp, func(octx rpc.OperationContext) rpc.Handler {
			return rpc.HandlerFuncs{
				Request: func(context.Context, any) (any, error) {
					for _, text := range []string{"one", "two", "three"} {
						octx.SendStreamEvent(&message{Text: text})
					}
					return &message{Text: "ok"}, nil
				},
				StreamEvent: func(_ context.Context, event any) error {
					m := event.(*message)
					h.events <- m.Text
					if m.Text == "fail" {
						return &boom{Message: "stream"}
					}
					octx.SendStreamEvent(&message{Text: "echo " + m.Text})
					return nil
				},
				Closed: func() { h.closed <- streamOp },
			}
		})
}

func (h *testHandlers) service(c *gc.C, authenticator rpc.Authenticator, authorizer rpc.Authorizer) *rpc.ServiceHandler {
	if authenticator == nil {
		authenticator = rpc.AuthenticatorFunc(tokenAuthenticator)
	}
	if authorizer == nil {
		authorizer = rpc.AuthorizerFunc(func(rpc.Identity, string) error { return nil })
	}
	service, err := h.register(rpc.NewServiceHandlerBuilder(buildModel(c, false))).
		SetAuthenticator(authenticator).
		SetAuthorizer(authorizer).
		Build()
	c.Assert(err, jc.ErrorIsNil)
	return service
}

// connSuite runs a client and server against each other over an in
// memory pipe.
type connSuite struct {
	testing.IsolationSuite

	ctx      context.Context
	handlers *testHandlers
	clientLC *lifecycle
	serverLC *lifecycle

	// clientObserver is given to clients made by newPair when set.
	clientObserver rpc.Observer
}

func (s *connSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	ctx, cancel := context.WithTimeout(context.Background(), longWait)
	s.AddCleanup(func(*gc.C) { cancel() })
	s.ctx = ctx
	s.handlers = newTestHandlers()
	s.clientLC = newLifecycle()
	s.serverLC = newLifecycle()
	s.clientObserver = nil
}

// newPair starts a server for service and a client of it, without
// connecting the client.
func (s *connSuite) newPair(c *gc.C, service *rpc.ServiceHandler, token string) (client, server *rpc.Conn) {
	clientEnd, serverEnd := net.Pipe()
	server, err := rpc.NewServerConn(serverEnd, rpc.ServerConfig{
		Service:   service,
		Lifecycle: s.serverLC.funcs(),
	})
	c.Assert(err, jc.ErrorIsNil)
	client, err = rpc.NewClientConn(clientEnd, rpc.ClientConfig{
		Model:          buildModel(c, true),
		ConnectMessage: connectWith(token),
		Lifecycle:      s.clientLC.funcs(),
		Observer:       s.clientObserver,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) {
		client.Kill()
		server.Kill()
		_ = client.Wait()
		_ = server.Wait()
	})
	return client, server
}

// connected returns a client that has completed the handshake.
func (s *connSuite) connected(c *gc.C, service *rpc.ServiceHandler) (client, server *rpc.Conn) {
	client, server = s.newPair(c, service, "s3cret")
	c.Assert(client.Connect(s.ctx), jc.ErrorIsNil)
	return client, server
}

func waitClosed(c *gc.C, ch <-chan string, want string) {
	select {
	case got := <-ch:
		c.Check(got, gc.Equals, want)
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for %q to close", want)
	}
}

func waitSignal(c *gc.C, ch <-chan struct{}, what string) {
	select {
	case <-ch:
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for %s", what)
	}
}

func (s *connSuite) expectEvents(c *gc.C, events <-chan string, want ...string) {
	for _, w := range want {
		select {
		case got := <-events:
			c.Check(got, gc.Equals, w)
		case <-time.After(longWait):
			c.Fatalf("timed out waiting for event %q", w)
		}
	}
}

// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"github.com/juju/eventstream/rpc/eventstream"
	"github.com/juju/eventstream/rpc/model"
)

var logger = loggo.GetLogger("eventstream.rpc")

// ProtocolVersion is sent by clients in the :version header of Connect,
// and is the only version servers accept.
const ProtocolVersion = "0.1.0"

// Reserved header names. Names starting with ':' are never echoed in
// ping replies.
const (
	VersionHeader          = ":version"
	OperationHeader        = ":operation"
	ContentTypeHeader      = ":content-type"
	ErrorMessageHeader     = ":error-message"
	ServiceModelTypeHeader = "service-model-type"
)

// ContentTypeText marks the payload of an unmodeled error.
const ContentTypeText = "text/plain"

// Logger is the logging interface used by connections.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Transport is the reliable, ordered byte stream a connection runs over.
// Close must unblock a pending Read.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Role is the side of the connection a Conn plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the lifecycle state of a connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// errPeerDisconnected ends a connection whose peer closed the transport
// between frames.
const errPeerDisconnected = errors.ConstError("peer disconnected")

// command is work run on the dispatch goroutine. If the connection dies
// before the command runs, abort is called instead.
type command struct {
	run   func() error
	abort func(error)
}

// Conn is one end of an event-stream connection. All frames are read,
// dispatched and written by a single goroutine which owns the
// continuation table; other goroutines talk to it through an unbounded
// command queue. Conn implements worker.Worker.
type Conn struct {
	tomb      tomb.Tomb
	id        string
	role      Role
	transport Transport
	writer    *eventstream.Writer
	model     *model.ServiceModel

	// service is only set on server connections.
	service *ServiceHandler

	// connectMessage is only set on client connections.
	connectMessage ConnectMessageSupplier

	lifecycle    LifecycleHandler
	observer     Observer
	clock        clock.Clock
	logger       Logger
	pingInterval time.Duration
	pingTimeout  time.Duration

	commands *queue[command]

	// callbacks runs lifecycle and authentication callbacks.
	callbacks *executor

	// The following are owned by the dispatch goroutine.
	continuations  map[uint32]*continuation
	tombstones     map[uint32]struct{}
	lastID         uint32
	connecting     *Future[struct{}]
	authenticating bool
	pings          []*Future[struct{}]
	lastReceived   time.Time
	unprocessed    []command

	mu        sync.Mutex
	state     State
	identity  Identity
	closedErr error
}

type connParams struct {
	lifecycle    LifecycleHandler
	observer     Observer
	clock        clock.Clock
	logger       Logger
	pingInterval time.Duration
	pingTimeout  time.Duration
}

func validatePing(interval, timeout time.Duration) error {
	if interval < 0 {
		return errors.NotValidf("negative PingInterval")
	}
	if timeout < 0 {
		return errors.NotValidf("negative PingTimeout")
	}
	if timeout > 0 && interval == 0 {
		return errors.NotValidf("PingTimeout without PingInterval")
	}
	return nil
}

func newConn(role Role, transport Transport, m *model.ServiceModel, p connParams) *Conn {
	if p.lifecycle == nil {
		p.lifecycle = LifecycleFuncs{}
	}
	if p.observer == nil {
		p.observer = NopObserver()
	}
	if p.clock == nil {
		p.clock = clock.WallClock
	}
	if p.logger == nil {
		p.logger = logger
	}
	return &Conn{
		id:            uuid.NewString(),
		role:          role,
		transport:     transport,
		writer:        eventstream.NewWriter(transport),
		model:         m,
		lifecycle:     p.lifecycle,
		observer:      p.observer,
		clock:         p.clock,
		logger:        p.logger,
		pingInterval:  p.pingInterval,
		pingTimeout:   p.pingTimeout,
		commands:      newQueue[command](),
		callbacks:     newExecutor(),
		continuations: make(map[uint32]*continuation),
		tombstones:    make(map[uint32]struct{}),
	}
}

func (c *Conn) start(initial State) {
	c.state = initial
	c.lastReceived = c.clock.Now()
	c.tomb.Go(func() error {
		c.tomb.Go(c.callbacks.run)
		c.tomb.Go(c.readLoop)
		return c.loop()
	})
}

// ID returns the unique id of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Role returns the side of the connection c plays.
func (c *Conn) Role() Role {
	return c.role
}

// Model returns the service model used to encode payloads.
func (c *Conn) Model() *model.ServiceModel {
	return c.model
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Identity returns the authenticated peer of a server connection, or nil
// before authentication has succeeded.
func (c *Conn) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Kill is part of the worker.Worker interface.
func (c *Conn) Kill() {
	c.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. It returns once every
// goroutine and callback of the connection has finished.
func (c *Conn) Wait() error {
	return c.tomb.Wait()
}

// Close kills the connection and waits for it to finish.
func (c *Conn) Close() error {
	c.Kill()
	return c.Wait()
}

// Dead returns a channel that is closed once the connection has
// finished.
func (c *Conn) Dead() <-chan struct{} {
	return c.tomb.Dead()
}

// post queues run for the dispatch goroutine. If the connection has
// already gone, abort is called with the reason and false is returned.
func (c *Conn) post(run func() error, abort func(error)) bool {
	if c.commands.push(command{run: run, abort: abort}) {
		return true
	}
	if abort != nil {
		abort(c.closedError())
	}
	return false
}

func (c *Conn) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedErr == nil {
		return ErrConnectionClosed
	}
	return c.closedErr
}

// readLoop decodes frames from the transport and hands them, or the read
// error, to the dispatch goroutine in arrival order.
func (c *Conn) readLoop() error {
	reader := eventstream.NewReader(c.transport)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			c.post(func() error { return c.readFailed(err) }, nil)
			return nil
		}
		if !c.post(func() error { return c.handleFrame(frame) }, nil) {
			return nil
		}
	}
}

func (c *Conn) readFailed(err error) error {
	switch {
	case eventstream.IsMalformed(err):
		return &ProtocolError{Reason: err.Error()}
	case errors.Is(err, io.EOF):
		return errPeerDisconnected
	}
	return errors.Annotate(err, "reading frame")
}

func (c *Conn) loop() (err error) {
	defer func() {
		err = c.teardown(err)
	}()

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ping = c.clock.After(c.pingInterval)
	}
	for {
		select {
		case <-c.tomb.Dying():
			return tomb.ErrDying
		case <-c.commands.ready():
			cmds, _ := c.commands.drain()
			for i, cmd := range cmds {
				if err := cmd.run(); err != nil {
					c.unprocessed = cmds[i+1:]
					return err
				}
			}
		case <-ping:
			if err := c.liveness(); err != nil {
				return err
			}
			ping = c.clock.After(c.pingInterval)
		}
	}
}

// teardown runs on the dispatch goroutine once the loop has ended. It
// settles everything still outstanding, schedules OnDisconnect and
// returns what the loop should report to the tomb.
func (c *Conn) teardown(err error) error {
	reason := err
	if err == tomb.ErrDying {
		reason = c.tomb.Err()
	}
	// A peer disconnecting between frames is an orderly close.
	if reason == errPeerDisconnected {
		reason = nil
	}
	closedErr := connectionClosedBy(reason)

	c.mu.Lock()
	c.state = Closing
	c.closedErr = closedErr
	c.mu.Unlock()

	var perr *ProtocolError
	if errors.As(reason, &perr) && !perr.Remote {
		c.logger.Warningf("connection %s: %v", c.id, perr)
		_ = c.writeFrame(&eventstream.Frame{
			Type: eventstream.ProtocolError,
			Headers: eventstream.Headers{
				{Name: ErrorMessageHeader, Value: eventstream.StringValue(perr.Reason)},
			},
		})
	}

	c.commands.close()
	pending, _ := c.commands.drain()
	for _, cmd := range append(c.unprocessed, pending...) {
		if cmd.abort != nil {
			cmd.abort(closedErr)
		}
	}
	c.unprocessed = nil

	if c.connecting != nil {
		c.connecting.reject(closedErr)
	}
	for _, p := range c.pings {
		if p != nil {
			p.reject(closedErr)
		}
	}
	c.pings = nil
	for _, cont := range c.continuations {
		cont.finish(closedErr)
	}
	c.tombstones = nil

	if err := c.transport.Close(); err != nil {
		c.logger.Debugf("closing transport of connection %s: %v", c.id, err)
	}
	c.setState(Closed)
	c.observer.ConnectionClosed(reason)
	c.logger.Debugf("%s connection %s closed: %v", c.role, c.id, reason)
	c.callbacks.submit(func() {
		c.lifecycle.OnDisconnect(reason)
	})
	c.callbacks.stop()
	c.tomb.Kill(reason)
	if err == tomb.ErrDying {
		return err
	}
	return reason
}

// reportError passes a non fatal error to the lifecycle handler, closing
// the connection if it asks for that.
func (c *Conn) reportError(err error) {
	c.callbacks.submit(func() {
		if c.lifecycle.OnError(err) {
			c.tomb.Kill(errors.Annotate(err, "closed by error handler"))
		}
	})
}

func (c *Conn) writeFrame(f *eventstream.Frame) error {
	c.logger.Tracef("connection %s sending %s", c.id, f)
	if err := c.writer.WriteFrame(f); err != nil {
		return errors.Annotatef(err, "writing %s", f.Type)
	}
	return nil
}

func (c *Conn) liveness() error {
	if c.pingTimeout > 0 {
		if idle := c.clock.Now().Sub(c.lastReceived); idle >= c.pingTimeout {
			return errors.Timeoutf("peer silent for %v", idle)
		}
	}
	if c.State() != Connected {
		return nil
	}
	c.pings = append(c.pings, nil)
	return c.writeFrame(&eventstream.Frame{Type: eventstream.Ping})
}

func (c *Conn) handleFrame(f *eventstream.Frame) error {
	c.lastReceived = c.clock.Now()
	c.logger.Tracef("connection %s received %s", c.id, f)

	if f.Type == eventstream.ProtocolError {
		reason, _ := f.Headers.GetString(ErrorMessageHeader)
		if reason == "" {
			reason = string(f.Payload)
		}
		err := &ProtocolError{Reason: reason, Remote: true}
		c.reportError(err)
		return err
	}

	switch c.State() {
	case Disconnected, Connecting:
		if c.role == RoleServer {
			return c.serverHandshake(f)
		}
		return c.clientHandshake(f)
	case Connected:
	default:
		return nil
	}

	id := f.ContinuationID
	if id == 0 {
		return c.handleConnectionFrame(f)
	}
	if f.Type.ConnectionLevel() {
		return protocolErrorf("%s on continuation %d", f.Type, id)
	}
	if cont, ok := c.continuations[id]; ok {
		return cont.handleFrame(f)
	}
	if _, ok := c.tombstones[id]; ok {
		if f.Terminates() {
			delete(c.tombstones, id)
		}
		c.logger.Tracef("connection %s dropping %s for closed continuation", c.id, f)
		return nil
	}
	if c.role == RoleServer && f.Type == eventstream.Request {
		return c.serveRequest(f)
	}
	return protocolErrorf("%s for unknown continuation %d", f.Type, id)
}

func (c *Conn) handleConnectionFrame(f *eventstream.Frame) error {
	switch f.Type {
	case eventstream.Ping:
		return c.writeFrame(&eventstream.Frame{
			Type:    eventstream.PingAck,
			Headers: f.Headers.Without(isReserved),
			Payload: f.Payload,
		})
	case eventstream.PingAck:
		if len(c.pings) > 0 {
			p := c.pings[0]
			c.pings = c.pings[1:]
			if p != nil {
				p.resolve(struct{}{})
			}
		}
		return nil
	}
	return protocolErrorf("unexpected %s after handshake", f.Type)
}

func isReserved(name string) bool {
	return strings.HasPrefix(name, ":")
}

// Ping sends a Ping frame and waits for the peer's PingAck.
func (c *Conn) Ping(ctx context.Context, headers eventstream.Headers, payload []byte) error {
	done := newFuture[struct{}]()
	c.post(func() error {
		if c.State() != Connected {
			done.reject(ErrNotConnected)
			return nil
		}
		c.pings = append(c.pings, done)
		return c.writeFrame(&eventstream.Frame{
			Type:    eventstream.Ping,
			Headers: headers,
			Payload: payload,
		})
	}, func(err error) { done.reject(err) })
	_, err := done.Wait(ctx)
	return errors.Trace(err)
}

// nextContinuationID returns an id that is neither live nor awaiting the
// peer's terminate.
func (c *Conn) nextContinuationID() uint32 {
	for {
		c.lastID++
		id := c.lastID
		if id == 0 {
			continue
		}
		if _, ok := c.continuations[id]; ok {
			continue
		}
		if _, ok := c.tombstones[id]; ok {
			continue
		}
		return id
	}
}

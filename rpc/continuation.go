// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/juju/eventstream/rpc/eventstream"
	"github.com/juju/eventstream/rpc/model"
)

// ContinuationState is the lifecycle state of a continuation. States
// only ever move forward.
type ContinuationState int32

const (
	ContinuationCreated ContinuationState = iota
	ContinuationOpen
	ContinuationClosed
)

func (s ContinuationState) String() string {
	switch s {
	case ContinuationCreated:
		return "created"
	case ContinuationOpen:
		return "open"
	case ContinuationClosed:
		return "closed"
	}
	return fmt.Sprintf("ContinuationState(%d)", int32(s))
}

// heldFrame is a server stream event waiting for the response to be
// written.
type heldFrame struct {
	frame *eventstream.Frame
	done  *Future[struct{}]
}

// continuation is one operation multiplexed over a connection. Its
// table entry and flags are owned by the dispatch goroutine; callbacks
// into user code run on its executor.
type continuation struct {
	conn   *Conn
	id     uint32
	op     *model.OperationModel
	state  atomic.Int32
	exec   *executor
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the dispatch goroutine.
	localClosed  bool
	remoteClosed bool
	responded    bool
	held         []heldFrame

	// Client side.
	response *Future[any]
	stream   StreamHandler

	// Server side, owned by the executor.
	handler Handler
}

// newContinuation must be called on the dispatch goroutine.
func (c *Conn) newContinuation(id uint32, op *model.OperationModel) *continuation {
	ctx, cancel := context.WithCancel(c.tomb.Context(context.Background()))
	cont := &continuation{
		conn:   c,
		id:     id,
		op:     op,
		exec:   newExecutor(),
		ctx:    ctx,
		cancel: cancel,
	}
	c.tomb.Go(cont.exec.run)
	return cont
}

func (cont *continuation) State() ContinuationState {
	return ContinuationState(cont.state.Load())
}

func (cont *continuation) open() {
	cont.state.Store(int32(ContinuationOpen))
	cont.conn.continuations[cont.id] = cont
	cont.conn.observer.ContinuationOpened(cont.op.Name)
}

func (cont *continuation) handleFrame(f *eventstream.Frame) error {
	var err error
	if cont.conn.role == RoleServer {
		err = cont.handleServerFrame(f)
	} else {
		err = cont.handleClientFrame(f)
	}
	if err != nil {
		return err
	}
	if f.Terminates() && cont.State() != ContinuationClosed {
		cont.remoteClosed = true
		// Acknowledge with our own terminate so the peer can forget
		// the id too.
		return cont.write(closeFrame())
	}
	return nil
}

// write sends a frame on the continuation. A terminating frame closes
// it locally.
func (cont *continuation) write(f *eventstream.Frame) error {
	f.ContinuationID = cont.id
	if err := cont.conn.writeFrame(f); err != nil {
		return errors.Trace(err)
	}
	if f.Terminates() {
		cont.localClosed = true
		cont.finish(nil)
	}
	return nil
}

// send writes f once the continuation may carry it, settling the
// returned future when it has been written. Server stream events wait
// for the response.
func (cont *continuation) send(f *eventstream.Frame) *Future[struct{}] {
	done := newFuture[struct{}]()
	cont.conn.post(func() error {
		if cont.State() == ContinuationClosed {
			done.reject(ErrStreamClosed)
			return nil
		}
		if cont.conn.role == RoleServer && !cont.responded {
			cont.held = append(cont.held, heldFrame{frame: f, done: done})
			return nil
		}
		if err := cont.write(f); err != nil {
			done.reject(err)
			return err
		}
		done.resolve(struct{}{})
		return nil
	}, func(err error) { done.reject(err) })
	return done
}

// close terminates the continuation from this side. Closing an already
// closed continuation succeeds.
func (cont *continuation) close() *Future[struct{}] {
	done := newFuture[struct{}]()
	cont.conn.post(func() error {
		if cont.State() == ContinuationClosed {
			done.resolve(struct{}{})
			return nil
		}
		if err := cont.write(closeFrame()); err != nil {
			done.reject(err)
			return err
		}
		done.resolve(struct{}{})
		return nil
	}, func(err error) { done.reject(err) })
	return done
}

// finish moves the continuation to Closed and schedules the close
// callback. It runs on the dispatch goroutine and only acts once.
func (cont *continuation) finish(reason error) {
	if ContinuationState(cont.state.Swap(int32(ContinuationClosed))) == ContinuationClosed {
		return
	}
	c := cont.conn
	delete(c.continuations, cont.id)
	if cont.localClosed && !cont.remoteClosed && c.tombstones != nil {
		c.tombstones[cont.id] = struct{}{}
	}
	cont.cancel()

	if cont.response != nil {
		cont.response.reject(cancelledBy(reason))
	}
	for _, h := range cont.held {
		h.done.reject(ErrStreamClosed)
	}
	cont.held = nil

	c.observer.ContinuationClosed(cont.op.Name)
	c.logger.Tracef("connection %s continuation %d (%s) closed", c.id, cont.id, cont.op.Name)
	cont.exec.submit(func() {
		if cont.stream != nil {
			cont.stream.OnStreamClosed()
		}
		if cont.handler != nil {
			cont.handler.OnContinuationClosed()
		}
	})
	cont.exec.stop()
}

// closeFrame carries nothing but the terminate flag.
func closeFrame() *eventstream.Frame {
	return &eventstream.Frame{
		Type:  eventstream.StreamEvent,
		Flags: eventstream.TerminateStream,
	}
}

func isCloseFrame(f *eventstream.Frame) bool {
	return f.Type == eventstream.StreamEvent && f.Terminates() &&
		len(f.Headers) == 0 && len(f.Payload) == 0
}

// payloadFrame builds a frame carrying v serialized as shape.
func (c *Conn) payloadFrame(t eventstream.MessageType, shape *model.Shape, v any) (*eventstream.Frame, error) {
	payload, err := c.model.Serialize(shape, v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &eventstream.Frame{
		Type: t,
		Headers: eventstream.Headers{
			{Name: ContentTypeHeader, Value: eventstream.StringValue(model.ContentTypeJSON)},
			{Name: ServiceModelTypeHeader, Value: eventstream.StringValue(string(shape.ID()))},
		},
		Payload: payload,
	}, nil
}

// errorFrame builds a terminating frame reporting err to the peer. Errors
// with a modeled shape are sent as that shape; anything else is sent as
// an opaque internal error and logged here in full.
func (c *Conn) errorFrame(t eventstream.MessageType, cont *continuation, err error) (*eventstream.Frame, Outcome) {
	if shape, v, ok := c.model.ErrorShapeFor(err); ok {
		f, serr := c.payloadFrame(t, shape, v)
		if serr == nil {
			f.Flags = eventstream.ApplicationError | eventstream.TerminateStream
			return f, OutcomeModeledError
		}
		err = serr
	}
	c.logger.Errorf("connection %s continuation %d (%s) failed: %v", c.id, cont.id, cont.op.Name, err)
	c.logger.Debugf("%s", errors.ErrorStack(err))
	return &eventstream.Frame{
		Type:  t,
		Flags: eventstream.ApplicationError | eventstream.TerminateStream,
		Headers: eventstream.Headers{
			{Name: ContentTypeHeader, Value: eventstream.StringValue(ContentTypeText)},
		},
		Payload: []byte(internalServerError),
	}, OutcomeInternal
}

// decodeError turns an ApplicationError frame back into an error.
func (c *Conn) decodeError(f *eventstream.Frame) error {
	if ct, _ := f.Headers.GetString(ContentTypeHeader); ct == ContentTypeText {
		return &InternalError{Message: string(f.Payload)}
	}
	id, _ := f.Headers.GetString(ServiceModelTypeHeader)
	shape, ok := c.model.Shape(model.ShapeID(id))
	if !ok || shape.Kind() != model.KindError {
		return &InternalError{Message: fmt.Sprintf("unknown error shape %q: %s", id, f.Payload)}
	}
	v, err := c.model.Deserialize(shape, f.Payload)
	if err != nil {
		return err
	}
	return v.(error)
}

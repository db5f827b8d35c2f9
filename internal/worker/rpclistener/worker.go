// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpclistener provides a worker that serves event-stream
// connections accepted from a listener.
package rpclistener

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/eventstream/rpc"
)

// Logger is the logging interface used by the worker and the
// connections it serves.
type Logger interface {
	rpc.Logger
}

// Config holds the configuration of the listener worker.
type Config struct {
	// Listener supplies the transports to serve. The worker closes it
	// when it stops.
	Listener TransportListener

	// Service serves every accepted connection.
	Service *rpc.ServiceHandler

	// Metrics, if set, observes every connection.
	Metrics *Collector

	Clock        clock.Clock
	Logger       Logger
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("missing Listener")
	}
	if c.Service == nil {
		return errors.NotValidf("missing Service")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing Logger")
	}
	if c.PingInterval < 0 || c.PingTimeout < 0 {
		return errors.NotValidf("negative ping setting")
	}
	if c.PingTimeout > 0 && c.PingInterval == 0 {
		return errors.NotValidf("PingTimeout without PingInterval")
	}
	return nil
}

// Worker accepts transports and serves a connection over each one.
// Connections are independent: one failing leaves the others and the
// worker running. Stopping the worker closes every connection.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	accepted chan rpc.Transport
	finished chan *rpc.Conn
	acceptWG sync.WaitGroup

	mu    sync.Mutex
	conns map[*rpc.Conn]string
}

// NewWorker starts a listener worker.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:   config,
		accepted: make(chan rpc.Transport),
		finished: make(chan *rpc.Conn),
		conns:    make(map[*rpc.Conn]string),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		_ = config.Listener.Close()
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Report returns details of the open connections, keyed by connection
// id, for the engine report.
func (w *Worker) Report() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	conns := make(map[string]interface{}, len(w.conns))
	for conn, addr := range w.conns {
		detail := map[string]interface{}{
			"remote": addr,
			"state":  conn.State().String(),
		}
		if identity := conn.Identity(); identity != nil {
			detail["identity"] = identity.IdentityLabel()
		}
		conns[conn.ID()] = detail
	}
	return map[string]interface{}{
		"address":     w.config.Listener.Addr().String(),
		"connections": conns,
	}
}

// ConnectionCount returns the number of open connections.
func (w *Worker) ConnectionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

func (w *Worker) loop() error {
	w.acceptWG.Add(1)
	go w.acceptLoop()
	defer w.shutdown()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case transport := <-w.accepted:
			if err := w.serve(transport); err != nil {
				w.config.Logger.Errorf("cannot serve connection from %s: %v", remoteAddr(transport), err)
				_ = transport.Close()
			}
		case conn := <-w.finished:
			w.mu.Lock()
			delete(w.conns, conn)
			w.mu.Unlock()
		}
	}
}

func (w *Worker) acceptLoop() {
	defer w.acceptWG.Done()
	for {
		transport, err := w.config.Listener.Accept()
		if err != nil {
			select {
			case <-w.catacomb.Dying():
			default:
				w.catacomb.Kill(errors.Annotate(err, "accepting connection"))
			}
			return
		}
		select {
		case w.accepted <- transport:
		case <-w.catacomb.Dying():
			_ = transport.Close()
			return
		}
	}
}

func (w *Worker) serve(transport rpc.Transport) error {
	addr := remoteAddr(transport)
	logger := w.config.Logger
	var observer rpc.Observer
	if w.config.Metrics != nil {
		w.config.Metrics.connectionOpened()
		observer = w.config.Metrics
	}
	conn, err := rpc.NewServerConn(transport, rpc.ServerConfig{
		Service: w.config.Service,
		Lifecycle: rpc.LifecycleFuncs{
			Connect: func() {
				logger.Debugf("connection from %s established", addr)
			},
			Disconnect: func(err error) {
				if err != nil {
					logger.Infof("connection from %s closed: %v", addr, err)
					return
				}
				logger.Debugf("connection from %s closed", addr)
			},
		},
		Observer:     observer,
		Clock:        w.config.Clock,
		Logger:       logger,
		PingInterval: w.config.PingInterval,
		PingTimeout:  w.config.PingTimeout,
	})
	if err != nil {
		if w.config.Metrics != nil {
			w.config.Metrics.ConnectionClosed(err)
		}
		return errors.Trace(err)
	}

	w.mu.Lock()
	w.conns[conn] = addr
	w.mu.Unlock()
	go func() {
		_ = conn.Wait()
		select {
		case w.finished <- conn:
		case <-w.catacomb.Dying():
		}
	}()
	return nil
}

// shutdown stops accepting and closes every connection, waiting for
// them all to finish.
func (w *Worker) shutdown() {
	if err := w.config.Listener.Close(); err != nil {
		w.config.Logger.Debugf("closing listener: %v", err)
	}
	w.acceptWG.Wait()

	w.mu.Lock()
	conns := make([]*rpc.Conn, 0, len(w.conns))
	for conn := range w.conns {
		conns = append(conns, conn)
	}
	w.conns = make(map[*rpc.Conn]string)
	w.mu.Unlock()

	for _, conn := range conns {
		conn.Kill()
	}
	for _, conn := range conns {
		_ = conn.Wait()
	}
}

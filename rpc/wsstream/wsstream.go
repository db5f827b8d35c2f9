// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wsstream carries event-stream connections over websockets.
// Every frame is sent as one binary message, and a peer's normal close
// reads as the end of the stream.
package wsstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"github.com/juju/eventstream/rpc"
)

var logger = loggo.GetLogger("eventstream.rpc.wsstream")

// Subprotocol is negotiated by both ends of the websocket.
const Subprotocol = "aws.eventstream.v1"

const closeWait = time.Second

// Conn adapts a websocket to rpc.Transport. Read and Write may each be
// used by one goroutine at a time; Close may be called at any time.
type Conn struct {
	ws     *websocket.Conn
	reader io.Reader
	once   sync.Once
}

// NewConn wraps an established websocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read is part of io.Reader. It reads across message boundaries.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, readError(err)
			}
			if messageType != websocket.BinaryMessage {
				return 0, errors.NotSupportedf("websocket message type %d", messageType)
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Write is part of io.Writer. Each call is sent as one message.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, errors.Trace(err)
	}
	return len(p), nil
}

// Close sends a normal close message and closes the websocket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)); werr != nil {
			logger.Tracef("sending websocket close: %v", werr)
		}
		err = c.ws.Close()
	})
	return errors.Trace(err)
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

var _ rpc.Transport = (*Conn)(nil)

// Dial opens a websocket to url, for example "ws://host:port/eventstream".
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dialing %s: %s", url, resp.Status)
		}
		return nil, errors.Annotatef(err, "dialing %s", url)
	}
	return NewConn(ws), nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{Subprotocol},
}

// Listener accepts websockets upgraded from HTTP requests to a single
// path, serving them as transports.
type Listener struct {
	tomb     tomb.Tomb
	listener net.Listener
	server   *http.Server
	conns    chan *Conn
}

// Listen serves websocket upgrades for path on l until Close is called.
func Listen(l net.Listener, path string) *Listener {
	wl := &Listener{
		listener: l,
		conns:    make(chan *Conn),
	}
	router := mux.NewRouter()
	router.Handle(path, wl).Methods(http.MethodGet)
	wl.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}
	wl.tomb.Go(func() error {
		err := wl.server.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Trace(err)
	})
	return wl
}

// ServeHTTP implements http.Handler.
func (l *Listener) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	conn := NewConn(ws)
	select {
	case l.conns <- conn:
	case <-l.tomb.Dying():
		_ = conn.Close()
	}
}

// Accept waits for the next websocket. It returns net.ErrClosed once
// the listener has been closed.
func (l *Listener) Accept() (rpc.Transport, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.tomb.Dying():
		return nil, net.ErrClosed
	}
}

// Addr returns the address being listened on.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops listening. Websockets already accepted are unaffected.
func (l *Listener) Close() error {
	l.tomb.Kill(nil)
	if err := l.server.Close(); err != nil {
		logger.Debugf("closing websocket server: %v", err)
	}
	return l.tomb.Wait()
}

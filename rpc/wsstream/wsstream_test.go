// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wsstream_test

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/eventstream/internal/echotest"
	"github.com/juju/eventstream/rpc"
	"github.com/juju/eventstream/rpc/eventstream"
	"github.com/juju/eventstream/rpc/wsstream"
)

const longWait = 10 * time.Second

type wsSuite struct {
	testing.IsolationSuite

	ctx      context.Context
	listener *wsstream.Listener
	url      string
}

var _ = gc.Suite(&wsSuite{})

func (s *wsSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	ctx, cancel := context.WithTimeout(context.Background(), longWait)
	s.AddCleanup(func(*gc.C) { cancel() })
	s.ctx = ctx

	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	s.listener = wsstream.Listen(l, "/eventstream")
	s.AddCleanup(func(*gc.C) { _ = s.listener.Close() })
	s.url = "ws://" + l.Addr().String() + "/eventstream"
}

func (s *wsSuite) accept(c *gc.C) rpc.Transport {
	accepted := make(chan rpc.Transport, 1)
	go func() {
		t, err := s.listener.Accept()
		c.Check(err, jc.ErrorIsNil)
		accepted <- t
	}()
	select {
	case t := <-accepted:
		return t
	case <-time.After(longWait):
		c.Fatalf("nothing accepted")
	}
	return nil
}

func (s *wsSuite) TestFramesCrossMessages(c *gc.C) {
	client, err := wsstream.Dial(s.ctx, s.url, nil)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()
	server := s.accept(c)
	defer server.Close()

	// Two frames written at once still read back one at a time.
	frames := []*eventstream.Frame{
		{Type: eventstream.Ping, Payload: []byte("one")},
		{Type: eventstream.PingAck, Payload: []byte("two")},
	}
	writer := eventstream.NewWriter(client)
	for _, f := range frames {
		c.Assert(writer.WriteFrame(f), jc.ErrorIsNil)
	}
	reader := eventstream.NewReader(server)
	for _, want := range frames {
		got, err := reader.ReadFrame()
		c.Assert(err, jc.ErrorIsNil)
		c.Check(got.Type, gc.Equals, want.Type)
		c.Check(got.Payload, jc.DeepEquals, want.Payload)
	}
}

func (s *wsSuite) TestCloseReadsAsEOF(c *gc.C) {
	client, err := wsstream.Dial(s.ctx, s.url, nil)
	c.Assert(err, jc.ErrorIsNil)
	server := s.accept(c)
	defer server.Close()

	c.Assert(client.Close(), jc.ErrorIsNil)
	_, err = server.Read(make([]byte, 16))
	c.Assert(err, gc.Equals, io.EOF)
}

func (s *wsSuite) TestWrongPath(c *gc.C) {
	_, err := wsstream.Dial(s.ctx, s.url+"/elsewhere", nil)
	c.Assert(err, gc.ErrorMatches, "dialing .*: 404 Not Found: websocket: bad handshake")
}

func (s *wsSuite) TestAcceptAfterClose(c *gc.C) {
	c.Assert(s.listener.Close(), jc.ErrorIsNil)
	_, err := s.listener.Accept()
	c.Assert(err, jc.ErrorIs, net.ErrClosed)
}

func (s *wsSuite) TestEchoService(c *gc.C) {
	service, err := echotest.NewService(echotest.Catalog{},
		rpc.AuthenticatorFunc(func(eventstream.Headers, []byte) (rpc.Identity, error) {
			return anonymous{}, nil
		}),
		rpc.AuthorizerFunc(func(rpc.Identity, string) error { return nil }),
	)
	c.Assert(err, jc.ErrorIsNil)
	m, err := echotest.Model()
	c.Assert(err, jc.ErrorIsNil)

	transport, err := wsstream.Dial(s.ctx, s.url, nil)
	c.Assert(err, jc.ErrorIsNil)
	client, err := rpc.NewClientConn(transport, rpc.ClientConfig{Model: m})
	c.Assert(err, jc.ErrorIsNil)
	defer client.Kill()

	server, err := rpc.NewServerConn(s.accept(c), rpc.ServerConfig{Service: service})
	c.Assert(err, jc.ErrorIsNil)
	defer server.Kill()

	c.Assert(client.Connect(s.ctx), jc.ErrorIsNil)
	text := "over a websocket"
	got, err := echotest.NewClient(client).EchoMessage(s.ctx, &echotest.MessageData{StringMessage: &text})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.StringMessage, gc.NotNil)
	c.Check(*got.StringMessage, gc.Equals, text)

	// An orderly close on one side is an orderly close on the other.
	c.Assert(client.Close(), jc.ErrorIsNil)
	select {
	case <-server.Dead():
	case <-time.After(longWait):
		c.Fatalf("server connection still alive")
	}
	c.Check(server.Wait(), jc.ErrorIsNil)
}

type anonymous struct{}

func (anonymous) IdentityLabel() string { return "anonymous" }

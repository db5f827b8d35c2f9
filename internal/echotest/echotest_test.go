// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package echotest_test

import (
	"context"
	"net"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/eventstream/internal/echotest"
	"github.com/juju/eventstream/rpc"
	"github.com/juju/eventstream/rpc/eventstream"
	"github.com/juju/eventstream/rpc/model"
)

const longWait = 10 * time.Second

type anonymous struct{}

func (anonymous) IdentityLabel() string { return "anonymous" }

type echoSuite struct {
	testing.IsolationSuite

	ctx    context.Context
	client *echotest.Client
}

var _ = gc.Suite(&echoSuite{})

var catalog = echotest.Catalog{
	Products: map[string]echotest.Product{
		"apple": {Name: "Apple", Price: 0.5},
	},
	Customers: []echotest.Customer{
		{ID: 1, FirstName: "Ada", LastName: "Lovelace"},
	},
}

func (s *echoSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	ctx, cancel := context.WithTimeout(context.Background(), longWait)
	s.AddCleanup(func(*gc.C) { cancel() })
	s.ctx = ctx

	service, err := echotest.NewService(catalog,
		rpc.AuthenticatorFunc(func(eventstream.Headers, []byte) (rpc.Identity, error) {
			return anonymous{}, nil
		}),
		rpc.AuthorizerFunc(func(rpc.Identity, string) error { return nil }),
	)
	c.Assert(err, jc.ErrorIsNil)
	m, err := echotest.Model()
	c.Assert(err, jc.ErrorIsNil)

	clientEnd, serverEnd := net.Pipe()
	server, err := rpc.NewServerConn(serverEnd, rpc.ServerConfig{Service: service})
	c.Assert(err, jc.ErrorIsNil)
	client, err := rpc.NewClientConn(clientEnd, rpc.ClientConfig{Model: m})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) {
		_ = client.Close()
		_ = server.Close()
	})
	c.Assert(client.Connect(ctx), jc.ErrorIsNil)
	s.client = echotest.NewClient(client)
}

func strPtr(s string) *string { return &s }

func (s *echoSuite) TestEchoMessage(c *gc.C) {
	got, err := s.client.EchoMessage(s.ctx, &echotest.MessageData{StringMessage: strPtr("hi")})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.StringMessage, gc.NotNil)
	c.Check(*got.StringMessage, gc.Equals, "hi")
}

func (s *echoSuite) TestEchoEveryKind(c *gc.C) {
	yes := true
	when := model.Timestamp(time.UnixMilli(1700000000123))
	sent := &echotest.MessageData{
		StringMessage:     strPtr("all"),
		BooleanMessage:    &yes,
		TimeMessage:       &when,
		DocumentMessage:   map[string]any{"nested": map[string]any{"k": "v"}},
		EnumMessage:       echotest.FruitPineapple,
		BlobMessage:       []byte{0, 1, 2, 255},
		StringListMessage: []string{"a", "b"},
		KeyValuePairList:  []echotest.Pair{{Key: "k", Value: "v"}},
		StringToValue:     map[string]echotest.Product{"p": {Name: "Pear", Price: 2}},
	}

	got, err := s.client.EchoMessage(s.ctx, sent)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.TimeMessage, gc.NotNil)
	c.Check(got.TimeMessage.Time().Equal(when.Time()), jc.IsTrue)
	got.TimeMessage = sent.TimeMessage
	c.Check(got, jc.DeepEquals, sent)
}

func (s *echoSuite) TestEchoEmptyMessage(c *gc.C) {
	got, err := s.client.EchoMessage(s.ctx, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.IsNil)
}

func (s *echoSuite) TestCauseServiceError(c *gc.C) {
	err := s.client.CauseServiceError(s.ctx)
	serr, ok := err.(*echotest.ServiceError)
	c.Assert(ok, jc.IsTrue, gc.Commentf("got %#v", err))
	c.Check(serr.Message, gc.Equals, "Intentionally thrown ServiceError")
}

func (s *echoSuite) TestCatalog(c *gc.C) {
	products, err := s.client.GetAllProducts(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(products, jc.DeepEquals, catalog.Products)

	customers, err := s.client.GetAllCustomers(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(customers, jc.DeepEquals, catalog.Customers)
}

func (s *echoSuite) TestEchoStreamMessages(c *gc.C) {
	events := make(chan echotest.StreamingMessage, 10)
	closed := make(chan struct{})
	cc, err := s.client.EchoStreamMessages(s.ctx, rpc.StreamHandlerFuncs{
		Event:  func(event any) { events <- event.(echotest.StreamingMessage) },
		Closed: func() { close(closed) },
	})
	c.Assert(err, jc.ErrorIsNil)
	resp, err := cc.Response().Wait(s.ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp, gc.IsNil)

	sent := []echotest.StreamingMessage{
		&echotest.MessageData{StringMessage: strPtr("first")},
		&echotest.Pair{Key: "k", Value: "v"},
		&echotest.MessageData{StringMessage: strPtr("close")},
	}
	for _, event := range sent {
		_, err := cc.SendStreamEvent(event).Wait(s.ctx)
		c.Assert(err, jc.ErrorIsNil)
	}
	for _, want := range sent {
		select {
		case got := <-events:
			c.Check(got, jc.DeepEquals, want)
		case <-time.After(longWait):
			c.Fatalf("timed out waiting for %#v", want)
		}
	}

	// The service closes the stream after echoing "close".
	select {
	case <-closed:
	case <-time.After(longWait):
		c.Fatalf("stream not closed")
	}
	c.Check(cc.State(), gc.Equals, rpc.ContinuationClosed)
}

func (s *echoSuite) TestCauseStreamServiceToError(c *gc.C) {
	streamErrs := make(chan error, 1)
	closed := make(chan struct{})
	cc, err := s.client.CauseStreamServiceToError(s.ctx, rpc.StreamHandlerFuncs{
		Error: func(err error) bool {
			streamErrs <- err
			return true
		},
		Closed: func() { close(closed) },
	})
	c.Assert(err, jc.ErrorIsNil)
	_, err = cc.Response().Wait(s.ctx)
	c.Assert(err, jc.ErrorIsNil)

	cc.SendStreamEvent(&echotest.Pair{Key: "trigger"})
	select {
	case err := <-streamErrs:
		serr, ok := err.(*echotest.ServiceError)
		c.Assert(ok, jc.IsTrue, gc.Commentf("got %#v", err))
		c.Check(serr.Message, gc.Equals, "Intentionally caused ServiceError on stream")
	case <-time.After(longWait):
		c.Fatalf("no stream error")
	}
	select {
	case <-closed:
	case <-time.After(longWait):
		c.Fatalf("stream not closed")
	}
}

func (s *echoSuite) TestStreamRejectsWrongEventType(c *gc.C) {
	cc, err := s.client.EchoStreamMessages(s.ctx, rpc.StreamHandlerFuncs{})
	c.Assert(err, jc.ErrorIsNil)

	_, err = cc.SendStreamEvent("not a union member").Wait(s.ctx)
	c.Assert(err, gc.ErrorMatches, ".*not valid")
}

// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventstream_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/eventstream/rpc/eventstream"
)

type headerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&headerSuite{})

func (s *headerSuite) TestGetFirstMatch(c *gc.C) {
	h := eventstream.Headers{
		{Name: "a", Value: eventstream.StringValue("one")},
		{Name: "b", Value: eventstream.Int32Value(2)},
		{Name: "a", Value: eventstream.StringValue("two")},
	}
	v, ok := h.GetString("a")
	c.Check(ok, jc.IsTrue)
	c.Check(v, gc.Equals, "one")

	_, ok = h.GetString("b")
	c.Check(ok, jc.IsFalse)
	c.Check(h.Has("b"), jc.IsTrue)
	c.Check(h.Has("c"), jc.IsFalse)
}

func (s *headerSuite) TestWithDoesNotMutate(c *gc.C) {
	h := make(eventstream.Headers, 1, 4)
	h[0] = eventstream.Header{Name: "a", Value: eventstream.BoolValue(true)}
	h2 := h.With("b", eventstream.BoolValue(false))
	h3 := h.With("c", eventstream.BoolValue(false))
	c.Check(h, gc.HasLen, 1)
	c.Check(h2[1].Name, gc.Equals, "b")
	c.Check(h3[1].Name, gc.Equals, "c")
}

func (s *headerSuite) TestWithout(c *gc.C) {
	h := eventstream.Headers{
		{Name: ":version", Value: eventstream.StringValue("0.1.0")},
		{Name: "trace", Value: eventstream.StringValue("abc")},
	}
	out := h.Without(func(name string) bool { return name[0] == ':' })
	c.Check(out, jc.DeepEquals, eventstream.Headers{
		{Name: "trace", Value: eventstream.StringValue("abc")},
	})
}

func (s *headerSuite) TestFlagsString(c *gc.C) {
	c.Check(eventstream.Flags(0).String(), gc.Equals, "none")
	c.Check((eventstream.TerminateStream | eventstream.ApplicationError).String(), gc.Equals, "terminate|error")
	c.Check(eventstream.MessageType(77).String(), gc.Equals, "MessageType(77)")
	c.Check(eventstream.Ping.ConnectionLevel(), jc.IsTrue)
	c.Check(eventstream.Request.ConnectionLevel(), jc.IsFalse)
}

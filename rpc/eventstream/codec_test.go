// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventstream_test

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/eventstream/rpc/eventstream"
)

type codecSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&codecSuite{})

func sampleFrame() *eventstream.Frame {
	return &eventstream.Frame{
		ContinuationID: 42,
		Type:           eventstream.Request,
		Flags:          eventstream.TerminateStream | eventstream.ApplicationError,
		Headers: eventstream.Headers{
			{Name: ":operation", Value: eventstream.StringValue("awstest#EchoMessage")},
			{Name: "yes", Value: eventstream.BoolValue(true)},
			{Name: "no", Value: eventstream.BoolValue(false)},
			{Name: "i32", Value: eventstream.Int32Value(-7)},
			{Name: "i64", Value: eventstream.Int64Value(1 << 40)},
			{Name: "raw", Value: eventstream.BytesValue{0, 1, 2, 0xff}},
			{Name: "when", Value: eventstream.TimestampValue(time.UnixMilli(1700000000123))},
		},
		Payload: []byte(`{"message":"hello"}`),
	}
}

func (s *codecSuite) TestRoundTrip(c *gc.C) {
	in := sampleFrame()
	b, err := eventstream.Encode(in)
	c.Assert(err, jc.ErrorIsNil)

	out, n, err := eventstream.Decode(b)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, len(b))
	c.Check(out.ContinuationID, gc.Equals, in.ContinuationID)
	c.Check(out.Type, gc.Equals, in.Type)
	c.Check(out.Flags, gc.Equals, in.Flags)
	c.Check(out.Payload, jc.DeepEquals, in.Payload)
	c.Assert(out.Headers, gc.HasLen, len(in.Headers))
	for i, h := range in.Headers {
		c.Check(out.Headers[i].Name, gc.Equals, h.Name)
		c.Check(out.Headers[i].Value.Type(), gc.Equals, h.Value.Type())
		c.Check(out.Headers[i].Value.String(), gc.Equals, h.Value.String())
	}
}

func (s *codecSuite) TestEmptyFrame(c *gc.C) {
	b, err := eventstream.Encode(&eventstream.Frame{Type: eventstream.Ping})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(b, gc.HasLen, 28)
	c.Check(binary.BigEndian.Uint32(b), gc.Equals, uint32(28))

	out, n, err := eventstream.Decode(b)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 28)
	c.Check(out.Type, gc.Equals, eventstream.Ping)
	c.Check(out.Headers, gc.HasLen, 0)
	c.Check(out.Payload, gc.HasLen, 0)
}

func (s *codecSuite) TestTypeFlagsWord(c *gc.C) {
	b, err := eventstream.Encode(&eventstream.Frame{
		ContinuationID: 3,
		Type:           eventstream.ConnectAck,
		Flags:          eventstream.ConnectionAccepted,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(binary.BigEndian.Uint32(b[12:]), gc.Equals, uint32(3))
	c.Check(binary.BigEndian.Uint32(b[16:]), gc.Equals, uint32(2)<<16|2)
}

func (s *codecSuite) TestDecodeDoesNotAlias(c *gc.C) {
	b, err := eventstream.Encode(sampleFrame())
	c.Assert(err, jc.ErrorIsNil)
	out, _, err := eventstream.Decode(b)
	c.Assert(err, jc.ErrorIsNil)
	for i := range b {
		b[i] = 0
	}
	c.Check(string(out.Payload), gc.Equals, `{"message":"hello"}`)
	raw, _ := out.Headers.Get("raw")
	c.Check(raw, jc.DeepEquals, eventstream.BytesValue{0, 1, 2, 0xff})
}

func (s *codecSuite) TestNeedMoreData(c *gc.C) {
	b, err := eventstream.Encode(sampleFrame())
	c.Assert(err, jc.ErrorIsNil)
	for _, n := range []int{0, 5, 11, 12, len(b) - 1} {
		_, _, err := eventstream.Decode(b[:n])
		c.Check(err, jc.ErrorIs, eventstream.ErrNeedMoreData, gc.Commentf("prefix %d", n))
	}
}

func (s *codecSuite) TestPreludeChecksum(c *gc.C) {
	b, err := eventstream.Encode(sampleFrame())
	c.Assert(err, jc.ErrorIsNil)
	b[9] ^= 0xff
	_, _, err = eventstream.Decode(b)
	c.Check(eventstream.IsMalformed(err), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, "malformed frame: prelude checksum mismatch")
}

func (s *codecSuite) TestMessageChecksum(c *gc.C) {
	b, err := eventstream.Encode(sampleFrame())
	c.Assert(err, jc.ErrorIsNil)
	b[len(b)-6] ^= 0x01
	_, _, err = eventstream.Decode(b)
	c.Check(err, gc.ErrorMatches, "malformed frame: message checksum mismatch")
}

func (s *codecSuite) TestInvalidTotalLength(c *gc.C) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b, 10)
	binary.BigEndian.PutUint32(b[8:], crc32.ChecksumIEEE(b[:8]))
	_, _, err := eventstream.Decode(b)
	c.Check(err, gc.ErrorMatches, "malformed frame: invalid frame length 10")

	binary.BigEndian.PutUint32(b, eventstream.MaxFrameSize+1)
	binary.BigEndian.PutUint32(b[8:], crc32.ChecksumIEEE(b[:8]))
	_, _, err = eventstream.Decode(b)
	c.Check(eventstream.IsMalformed(err), jc.IsTrue)
}

// rewrite patches the frame body and recomputes the trailing checksum.
func rewrite(b []byte, patch func([]byte)) {
	patch(b)
	end := len(b) - 4
	binary.BigEndian.PutUint32(b[end:], crc32.ChecksumIEEE(b[:end]))
}

func (s *codecSuite) TestPayloadLengthMismatch(c *gc.C) {
	b, err := eventstream.Encode(&eventstream.Frame{Type: eventstream.Ping, Payload: []byte("abc")})
	c.Assert(err, jc.ErrorIsNil)
	rewrite(b, func(b []byte) { binary.BigEndian.PutUint32(b[20:], 4) })
	_, _, err = eventstream.Decode(b)
	c.Check(err, gc.ErrorMatches, "malformed frame: payload length 4, frame has room for 3")
}

func (s *codecSuite) TestUnknownMessageType(c *gc.C) {
	b, err := eventstream.Encode(&eventstream.Frame{Type: eventstream.Ping})
	c.Assert(err, jc.ErrorIsNil)
	rewrite(b, func(b []byte) { binary.BigEndian.PutUint32(b[16:], 99<<16) })
	_, _, err = eventstream.Decode(b)
	c.Check(err, gc.ErrorMatches, "malformed frame: unknown message type 99")
}

func (s *codecSuite) TestUnknownHeaderType(c *gc.C) {
	b, err := eventstream.Encode(&eventstream.Frame{
		Type:    eventstream.Ping,
		Headers: eventstream.Headers{{Name: "x", Value: eventstream.BoolValue(true)}},
	})
	c.Assert(err, jc.ErrorIsNil)
	// name_len, 'x', type
	rewrite(b, func(b []byte) { b[14] = 42 })
	_, _, err = eventstream.Decode(b)
	c.Check(err, gc.ErrorMatches, `malformed frame: unknown type 42 for header "x"`)
}

func (s *codecSuite) TestEncodeLimits(c *gc.C) {
	_, err := eventstream.Encode(&eventstream.Frame{
		Type:    eventstream.Request,
		Payload: make([]byte, eventstream.MaxFrameSize),
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)

	long := string(bytes.Repeat([]byte("n"), eventstream.MaxHeaderNameLength+1))
	_, err = eventstream.Encode(&eventstream.Frame{
		Type:    eventstream.Request,
		Headers: eventstream.Headers{{Name: long, Value: eventstream.BoolValue(true)}},
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = eventstream.Encode(&eventstream.Frame{Type: eventstream.MessageType(0)})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *codecSuite) TestDecoderChunked(c *gc.C) {
	var stream []byte
	for i := uint32(1); i <= 3; i++ {
		f := sampleFrame()
		f.ContinuationID = i
		b, err := eventstream.Encode(f)
		c.Assert(err, jc.ErrorIsNil)
		stream = append(stream, b...)
	}

	var dec eventstream.Decoder
	var got []uint32
	for _, bt := range stream {
		_, _ = dec.Write([]byte{bt})
		f, err := dec.Next()
		if errors.Is(err, eventstream.ErrNeedMoreData) {
			continue
		}
		c.Assert(err, jc.ErrorIsNil)
		got = append(got, f.ContinuationID)
	}
	c.Check(got, jc.DeepEquals, []uint32{1, 2, 3})
	c.Check(dec.Buffered(), gc.Equals, 0)
}

func (s *codecSuite) TestDecoderPoisoned(c *gc.C) {
	b, err := eventstream.Encode(sampleFrame())
	c.Assert(err, jc.ErrorIsNil)
	bad := append([]byte(nil), b...)
	bad[0] ^= 0xff

	var dec eventstream.Decoder
	_, _ = dec.Write(bad)
	_, err = dec.Next()
	c.Assert(eventstream.IsMalformed(err), jc.IsTrue)

	_, _ = dec.Write(b)
	_, err = dec.Next()
	c.Check(eventstream.IsMalformed(err), jc.IsTrue)
}

func (s *codecSuite) TestReaderWriter(c *gc.C) {
	var buf bytes.Buffer
	w := eventstream.NewWriter(&buf)
	for i := uint32(1); i <= 2; i++ {
		c.Assert(w.WriteFrame(&eventstream.Frame{ContinuationID: i, Type: eventstream.StreamEvent}), jc.ErrorIsNil)
	}

	r := eventstream.NewReader(&buf)
	for i := uint32(1); i <= 2; i++ {
		f, err := r.ReadFrame()
		c.Assert(err, jc.ErrorIsNil)
		c.Check(f.ContinuationID, gc.Equals, i)
	}
	_, err := r.ReadFrame()
	c.Check(err, gc.Equals, io.EOF)
}

func (s *codecSuite) TestReaderTruncated(c *gc.C) {
	b, err := eventstream.Encode(sampleFrame())
	c.Assert(err, jc.ErrorIsNil)
	r := eventstream.NewReader(bytes.NewReader(b[:len(b)-3]))
	_, err = r.ReadFrame()
	c.Check(err, gc.Equals, io.ErrUnexpectedEOF)
}

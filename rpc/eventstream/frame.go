// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventstream

import "fmt"

// MessageType identifies the purpose of a frame.
type MessageType uint16

const (
	Connect MessageType = iota + 1
	ConnectAck
	Request
	Response
	StreamEvent
	Ping
	PingAck
	ProtocolError
)

var messageTypeNames = map[MessageType]string{
	Connect:       "Connect",
	ConnectAck:    "ConnectAck",
	Request:       "Request",
	Response:      "Response",
	StreamEvent:   "StreamEvent",
	Ping:          "Ping",
	PingAck:       "PingAck",
	ProtocolError: "ProtocolError",
}

// String implements fmt.Stringer.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint16(t))
}

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// ConnectionLevel reports whether messages of this type are only valid on
// continuation 0.
func (t MessageType) ConnectionLevel() bool {
	switch t {
	case Connect, ConnectAck, Ping, PingAck:
		return true
	}
	return false
}

// Flags is the bitset carried alongside the message type.
type Flags uint16

const (
	// TerminateStream marks the last frame a side sends on a continuation.
	TerminateStream Flags = 1 << iota

	// ConnectionAccepted is set on a ConnectAck that accepts the connection.
	ConnectionAccepted

	// ApplicationError marks a Response or StreamEvent whose payload is an
	// error rather than the modeled response or event shape.
	ApplicationError
)

// Has reports whether all the bits in other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// String implements fmt.Stringer.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var s string
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f.Has(TerminateStream) {
		add("terminate")
	}
	if f.Has(ConnectionAccepted) {
		add("accepted")
	}
	if f.Has(ApplicationError) {
		add("error")
	}
	if rest := f &^ (TerminateStream | ConnectionAccepted | ApplicationError); rest != 0 {
		add(fmt.Sprintf("0x%x", uint16(rest)))
	}
	return s
}

// Frame is a single protocol message.
type Frame struct {
	// ContinuationID is 0 for connection level messages.
	ContinuationID uint32
	Type           MessageType
	Flags          Flags
	Headers        Headers
	Payload        []byte
}

// Terminates reports whether the frame carries the TerminateStream flag.
func (f *Frame) Terminates() bool {
	return f.Flags.Has(TerminateStream)
}

// String implements fmt.Stringer, for logging.
func (f *Frame) String() string {
	return fmt.Sprintf("%s[id=%d flags=%s headers=%d payload=%d]",
		f.Type, f.ContinuationID, f.Flags, len(f.Headers), len(f.Payload))
}

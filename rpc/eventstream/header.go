// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventstream

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/juju/errors"
)

// HeaderType is the wire tag preceding each header value.
type HeaderType uint8

const (
	HeaderBoolTrue HeaderType = iota
	HeaderBoolFalse
	HeaderInt32
	HeaderInt64
	HeaderBytes
	HeaderString
	HeaderTimestamp
)

// HeaderValue is one of BoolValue, Int32Value, Int64Value, BytesValue,
// StringValue or TimestampValue.
type HeaderValue interface {
	// Type returns the wire tag of the value.
	Type() HeaderType

	// String returns a printable representation of the value.
	String() string

	size() int
	put(b []byte) int
}

// BoolValue is a boolean header value.
type BoolValue bool

func (v BoolValue) Type() HeaderType {
	if v {
		return HeaderBoolTrue
	}
	return HeaderBoolFalse
}

func (v BoolValue) String() string   { return fmt.Sprint(bool(v)) }
func (v BoolValue) size() int        { return 0 }
func (v BoolValue) put(_ []byte) int { return 0 }

// Int32Value is a 32 bit integer header value.
type Int32Value int32

func (v Int32Value) Type() HeaderType { return HeaderInt32 }
func (v Int32Value) String() string   { return fmt.Sprint(int32(v)) }
func (v Int32Value) size() int        { return 4 }
func (v Int32Value) put(b []byte) int {
	binary.BigEndian.PutUint32(b, uint32(v))
	return 4
}

// Int64Value is a 64 bit integer header value.
type Int64Value int64

func (v Int64Value) Type() HeaderType { return HeaderInt64 }
func (v Int64Value) String() string   { return fmt.Sprint(int64(v)) }
func (v Int64Value) size() int        { return 8 }
func (v Int64Value) put(b []byte) int {
	binary.BigEndian.PutUint64(b, uint64(v))
	return 8
}

// BytesValue is an opaque byte header value.
type BytesValue []byte

func (v BytesValue) Type() HeaderType { return HeaderBytes }
func (v BytesValue) String() string   { return fmt.Sprintf("%x", []byte(v)) }
func (v BytesValue) size() int        { return 2 + len(v) }
func (v BytesValue) put(b []byte) int {
	binary.BigEndian.PutUint16(b, uint16(len(v)))
	return 2 + copy(b[2:], v)
}

// StringValue is a UTF-8 string header value.
type StringValue string

func (v StringValue) Type() HeaderType { return HeaderString }
func (v StringValue) String() string   { return string(v) }
func (v StringValue) size() int        { return 2 + len(v) }
func (v StringValue) put(b []byte) int {
	binary.BigEndian.PutUint16(b, uint16(len(v)))
	return 2 + copy(b[2:], v)
}

// TimestampValue is a header value carried with millisecond precision.
type TimestampValue time.Time

func (v TimestampValue) Type() HeaderType { return HeaderTimestamp }
func (v TimestampValue) String() string {
	return time.Time(v).UTC().Format(time.RFC3339Nano)
}
func (v TimestampValue) size() int { return 8 }
func (v TimestampValue) put(b []byte) int {
	binary.BigEndian.PutUint64(b, uint64(time.Time(v).UnixMilli()))
	return 8
}

// Header is a single named header.
type Header struct {
	Name  string
	Value HeaderValue
}

// Headers is an ordered list of headers. Lookups return the first header
// with a matching name.
type Headers []Header

// Get returns the value of the first header with the given name.
func (h Headers) Get(name string) (HeaderValue, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return nil, false
}

// GetString returns the value of the named header if it exists and holds a
// string.
func (h Headers) GetString(name string) (string, bool) {
	v, ok := h.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(StringValue)
	return string(s), ok
}

// Has reports whether a header with the given name is present.
func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// With returns a copy of h with the given header appended.
func (h Headers) With(name string, value HeaderValue) Headers {
	out := make(Headers, len(h), len(h)+1)
	copy(out, h)
	return append(out, Header{Name: name, Value: value})
}

// Without returns a copy of h minus every header for which drop returns true.
func (h Headers) Without(drop func(name string) bool) Headers {
	var out Headers
	for _, hdr := range h {
		if !drop(hdr.Name) {
			out = append(out, hdr)
		}
	}
	return out
}

func (h Headers) encodedSize() (int, error) {
	n := 0
	for _, hdr := range h {
		if len(hdr.Name) == 0 || len(hdr.Name) > MaxHeaderNameLength {
			return 0, errors.NotValidf("header name %q", hdr.Name)
		}
		if hdr.Value == nil {
			return 0, errors.NotValidf("nil value for header %q", hdr.Name)
		}
		switch v := hdr.Value.(type) {
		case BytesValue:
			if len(v) > math.MaxUint16 {
				return 0, errors.NotValidf("%d byte value for header %q", len(v), hdr.Name)
			}
		case StringValue:
			if len(v) > math.MaxUint16 {
				return 0, errors.NotValidf("%d byte value for header %q", len(v), hdr.Name)
			}
		}
		n += 1 + len(hdr.Name) + 1 + hdr.Value.size()
	}
	return n, nil
}

func (h Headers) put(b []byte) int {
	off := 0
	for _, hdr := range h {
		b[off] = byte(len(hdr.Name))
		off++
		off += copy(b[off:], hdr.Name)
		b[off] = byte(hdr.Value.Type())
		off++
		off += hdr.Value.put(b[off:])
	}
	return off
}

func decodeHeaders(b []byte) (Headers, error) {
	var headers Headers
	for off := 0; off < len(b); {
		nameLen := int(b[off])
		off++
		if nameLen == 0 || off+nameLen+1 > len(b) {
			return nil, malformedf("truncated header name at offset %d", off-1)
		}
		name := string(b[off : off+nameLen])
		off += nameLen
		typ := HeaderType(b[off])
		off++

		need := func(n int) error {
			if off+n > len(b) {
				return malformedf("truncated value for header %q", name)
			}
			return nil
		}
		var value HeaderValue
		switch typ {
		case HeaderBoolTrue:
			value = BoolValue(true)
		case HeaderBoolFalse:
			value = BoolValue(false)
		case HeaderInt32:
			if err := need(4); err != nil {
				return nil, err
			}
			value = Int32Value(int32(binary.BigEndian.Uint32(b[off:])))
			off += 4
		case HeaderInt64:
			if err := need(8); err != nil {
				return nil, err
			}
			value = Int64Value(int64(binary.BigEndian.Uint64(b[off:])))
			off += 8
		case HeaderTimestamp:
			if err := need(8); err != nil {
				return nil, err
			}
			value = TimestampValue(time.UnixMilli(int64(binary.BigEndian.Uint64(b[off:]))))
			off += 8
		case HeaderBytes, HeaderString:
			if err := need(2); err != nil {
				return nil, err
			}
			n := int(binary.BigEndian.Uint16(b[off:]))
			off += 2
			if err := need(n); err != nil {
				return nil, err
			}
			if typ == HeaderString {
				value = StringValue(b[off : off+n])
			} else {
				value = BytesValue(append([]byte(nil), b[off:off+n]...))
			}
			off += n
		default:
			return nil, malformedf("unknown type %d for header %q", typ, name)
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

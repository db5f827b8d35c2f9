// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventstream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/juju/errors"
)

const (
	// MaxFrameSize is the largest frame, in bytes, that will be encoded or
	// accepted from the wire.
	MaxFrameSize = 16 * 1024 * 1024

	// MaxHeadersSize is the largest encoded header block.
	MaxHeadersSize = 128 * 1024

	// MaxHeaderNameLength is the longest header name.
	MaxHeaderNameLength = 255

	preludeSize = 12
	// continuation id, type/flags word and payload length.
	bodyFixedSize = 12
	trailerSize   = 4
	minFrameSize  = preludeSize + bodyFixedSize + trailerSize
)

// ErrNeedMoreData is returned by Decode and Decoder.Next when the bytes
// seen so far do not yet hold a complete frame.
const ErrNeedMoreData = errors.ConstError("need more data")

// MalformedError is returned when the bytes on the wire cannot be a valid
// frame. It is always fatal to the connection carrying them.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed frame: " + e.Reason
}

func malformedf(format string, args ...interface{}) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// IsMalformed reports whether err is, or wraps, a *MalformedError.
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// Encode returns the wire representation of f.
func Encode(f *Frame) ([]byte, error) {
	if !f.Type.IsValid() {
		return nil, errors.NotValidf("message type %d", uint16(f.Type))
	}
	headersLen, err := f.Headers.encodedSize()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if headersLen > MaxHeadersSize {
		return nil, errors.NotValidf("%d bytes of headers", headersLen)
	}
	total := minFrameSize + headersLen + len(f.Payload)
	if total > MaxFrameSize {
		return nil, errors.NotValidf("frame of %d bytes", total)
	}

	b := make([]byte, total)
	binary.BigEndian.PutUint32(b[0:], uint32(total))
	binary.BigEndian.PutUint32(b[4:], uint32(headersLen))
	binary.BigEndian.PutUint32(b[8:], crc32.ChecksumIEEE(b[:8]))
	off := preludeSize
	off += f.Headers.put(b[off:])
	binary.BigEndian.PutUint32(b[off:], f.ContinuationID)
	binary.BigEndian.PutUint32(b[off+4:], uint32(f.Type)<<16|uint32(f.Flags))
	binary.BigEndian.PutUint32(b[off+8:], uint32(len(f.Payload)))
	off += bodyFixedSize
	off += copy(b[off:], f.Payload)
	binary.BigEndian.PutUint32(b[off:], crc32.ChecksumIEEE(b[:off]))
	return b, nil
}

// Decode decodes the first frame held in buf. It returns the frame and the
// number of bytes it occupied, ErrNeedMoreData if buf holds only part of a
// frame, or a *MalformedError. The returned frame does not alias buf.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < preludeSize {
		return nil, 0, ErrNeedMoreData
	}
	total := binary.BigEndian.Uint32(buf[0:])
	headersLen := binary.BigEndian.Uint32(buf[4:])
	if crc := crc32.ChecksumIEEE(buf[:8]); crc != binary.BigEndian.Uint32(buf[8:]) {
		return nil, 0, malformedf("prelude checksum mismatch")
	}
	if total < minFrameSize || total > MaxFrameSize {
		return nil, 0, malformedf("invalid frame length %d", total)
	}
	if headersLen > MaxHeadersSize || uint64(headersLen)+minFrameSize > uint64(total) {
		return nil, 0, malformedf("invalid headers length %d for frame of %d bytes", headersLen, total)
	}
	if uint32(len(buf)) < total {
		return nil, 0, ErrNeedMoreData
	}

	frameBytes := buf[:total]
	crcOffset := total - trailerSize
	if crc := crc32.ChecksumIEEE(frameBytes[:crcOffset]); crc != binary.BigEndian.Uint32(frameBytes[crcOffset:]) {
		return nil, 0, malformedf("message checksum mismatch")
	}

	headersEnd := preludeSize + headersLen
	headers, err := decodeHeaders(frameBytes[preludeSize:headersEnd])
	if err != nil {
		return nil, 0, err
	}

	body := frameBytes[headersEnd:]
	id := binary.BigEndian.Uint32(body[0:])
	word := binary.BigEndian.Uint32(body[4:])
	payloadLen := binary.BigEndian.Uint32(body[8:])
	if want := total - minFrameSize - headersLen; payloadLen != want {
		return nil, 0, malformedf("payload length %d, frame has room for %d", payloadLen, want)
	}
	msgType := MessageType(word >> 16)
	if !msgType.IsValid() {
		return nil, 0, malformedf("unknown message type %d", word>>16)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		copy(payload, body[bodyFixedSize:bodyFixedSize+payloadLen])
	}
	return &Frame{
		ContinuationID: id,
		Type:           msgType,
		Flags:          Flags(word & 0xffff),
		Headers:        headers,
		Payload:        payload,
	}, int(total), nil
}

// Decoder assembles frames from bytes delivered in arbitrary chunks.
// Once it has seen malformed input it returns the same error forever.
type Decoder struct {
	buf []byte
	err error
}

// Write appends p to the bytes awaiting decoding. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, or ErrNeedMoreData.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	f, n, err := Decode(d.buf)
	if errors.Is(err, ErrNeedMoreData) {
		return nil, err
	} else if err != nil {
		d.err = err
		d.buf = nil
		return nil, err
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return f, nil
}

// Buffered returns the number of bytes held that are not yet part of a
// returned frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reader reads frames from a byte stream.
type Reader struct {
	r     io.Reader
	dec   Decoder
	chunk []byte
	eof   bool
}

// NewReader returns a Reader decoding frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: make([]byte, 32*1024)}
}

// ReadFrame blocks until a whole frame has been read. A stream that ends
// cleanly between frames yields io.EOF; one that ends inside a frame yields
// io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() (*Frame, error) {
	for {
		f, err := r.dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}
		if r.eof {
			if r.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			_, _ = r.dec.Write(r.chunk[:n])
		}
		if err == io.EOF {
			r.eof = true
		} else if err != nil {
			return nil, err
		}
	}
}

// Writer writes encoded frames to a byte stream. It is not safe for
// concurrent use.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer encoding frames onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes f and writes it in a single Write call.
func (w *Writer) WriteFrame(f *Frame) error {
	b, err := Encode(f)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = w.w.Write(b)
	return errors.Trace(err)
}

// Package transport is a small framed TCP transport that feeds decoded
// requests to an executor and writes responses back on the originating
// connection. Requests on one connection may complete out of order; the
// client matches responses by sequence number.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Frame header layout (16 bytes, little-endian):
//
//	uint32 length    payload length, header excluded
//	uint32 seq       request sequence number chosen by the client
//	uint8  type      FrameType
//	uint8  flags     zero
//	uint16 reserved  zero
//	uint32 reserved2 zero
const HeaderSize = 16

// MaxPayload bounds a single frame payload.
const MaxPayload = 16 << 20

type FrameType uint8

const (
	FrameRequest  FrameType = 0x01
	FrameResponse FrameType = 0x02
	FrameError    FrameType = 0x03
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameError:
		return "error"
	}
	return fmt.Sprintf("frame(%#x)", uint8(t))
}

var (
	ErrFrameTooLarge = errors.New("transport: frame payload too large")
	ErrShortHeader   = errors.New("transport: frame header too short")
	ErrFrameType     = errors.New("transport: unexpected frame type")
)

// Header is the decoded form of the 16-byte frame header.
type Header struct {
	Length    uint32
	Seq       uint32
	Type      FrameType
	Flags     uint8
	Reserved  uint16
	Reserved2 uint32
}

func encodeHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Length)
	binary.LittleEndian.PutUint32(dst[4:8], h.Seq)
	dst[8] = byte(h.Type)
	dst[9] = h.Flags
	binary.LittleEndian.PutUint16(dst[10:12], h.Reserved)
	binary.LittleEndian.PutUint32(dst[12:16], h.Reserved2)
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Length:    binary.LittleEndian.Uint32(b[0:4]),
		Seq:       binary.LittleEndian.Uint32(b[4:8]),
		Type:      FrameType(b[8]),
		Flags:     b[9],
		Reserved:  binary.LittleEndian.Uint16(b[10:12]),
		Reserved2: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// frameBuffer returns a pooled buffer with room reserved for the header. The
// payload is appended after it and sealed with sealFrame.
func frameBuffer() *bytebufferpool.ByteBuffer {
	buf := bytebufferpool.Get()
	buf.B = append(buf.B[:0], make([]byte, HeaderSize)...)
	return buf
}

func sealFrame(buf *bytebufferpool.ByteBuffer, seq uint32, typ FrameType) error {
	n := len(buf.B) - HeaderSize
	if n > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	encodeHeader(buf.B[:HeaderSize], Header{Length: uint32(n), Seq: seq, Type: typ})
	return nil
}

// WriteFrame writes one frame with a single Write call.
func WriteFrame(w io.Writer, seq uint32, typ FrameType, payload []byte) error {
	buf := frameBuffer()
	defer bytebufferpool.Put(buf)
	buf.B = append(buf.B, payload...)
	if err := sealFrame(buf, seq, typ); err != nil {
		return err
	}
	_, err := w.Write(buf.B)
	return err
}

// ReadFrame reads one frame. The returned payload is freshly allocated and
// owned by the caller.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := decodeHeader(hdr[:])
	if err != nil {
		return Header{}, nil, err
	}
	if h.Length > MaxPayload {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

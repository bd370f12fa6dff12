package service

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/valyala/bytebufferpool"
)

// Buffer kinds carried in byte 8 of a request payload.
const (
	kindNone   byte = 0
	kindSysV   byte = 1
	kindInline byte = 2
)

const (
	requestPrefix = 9
	sysvRefSize   = 24
	responseFixed = 8
	errorFixed    = 2
)

// Codec encodes Compute messages as little-endian frame payloads:
//
//	request:  batch_id u64 | kind u8 | sysv{shm_id u64, offset u64, size u64} or inline bytes
//	response: batch_id u64 | payload bytes
//	error:    code u16 | message bytes
type Codec struct{}

func (Codec) EncodeRequest(dst *bytebufferpool.ByteBuffer, in *Input) error {
	if in.SysV != nil && len(in.Inline) > 0 {
		return fmt.Errorf("%w: request has both a sysv reference and inline data", ErrMalformed)
	}
	dst.B = binary.LittleEndian.AppendUint64(dst.B, in.BatchID)
	switch {
	case in.SysV != nil:
		dst.B = append(dst.B, kindSysV)
		dst.B = binary.LittleEndian.AppendUint64(dst.B, in.SysV.ShmID)
		dst.B = binary.LittleEndian.AppendUint64(dst.B, in.SysV.Offset)
		dst.B = binary.LittleEndian.AppendUint64(dst.B, in.SysV.Size)
	case len(in.Inline) > 0:
		dst.B = append(dst.B, kindInline)
		dst.B = append(dst.B, in.Inline...)
	default:
		dst.B = append(dst.B, kindNone)
	}
	return nil
}

func (Codec) DecodeRequest(p []byte, in *Input) error {
	if len(p) < requestPrefix {
		return fmt.Errorf("%w: request is %d bytes", ErrMalformed, len(p))
	}
	*in = Input{BatchID: binary.LittleEndian.Uint64(p[0:8])}
	body := p[requestPrefix:]
	switch p[8] {
	case kindNone:
	case kindSysV:
		if len(body) != sysvRefSize {
			return fmt.Errorf("%w: sysv reference is %d bytes", ErrMalformed, len(body))
		}
		in.SysV = &SystemV{
			ShmID:  binary.LittleEndian.Uint64(body[0:8]),
			Offset: binary.LittleEndian.Uint64(body[8:16]),
			Size:   binary.LittleEndian.Uint64(body[16:24]),
		}
	case kindInline:
		in.Inline = alignedCopy(body)
	default:
		return fmt.Errorf("%w: buffer kind %d", ErrMalformed, p[8])
	}
	return nil
}

func (Codec) EncodeResponse(dst *bytebufferpool.ByteBuffer, out *Output) error {
	dst.B = binary.LittleEndian.AppendUint64(dst.B, out.BatchID)
	dst.B = append(dst.B, out.Payload...)
	return nil
}

func (Codec) DecodeResponse(p []byte, out *Output) error {
	if len(p) < responseFixed {
		return fmt.Errorf("%w: response is %d bytes", ErrMalformed, len(p))
	}
	*out = Output{BatchID: binary.LittleEndian.Uint64(p[0:8])}
	if len(p) > responseFixed {
		out.Payload = alignedCopy(p[responseFixed:])
	}
	return nil
}

func (Codec) EncodeError(dst *bytebufferpool.ByteBuffer, err error) {
	dst.B = binary.LittleEndian.AppendUint16(dst.B, uint16(CodeOf(err)))
	dst.B = append(dst.B, err.Error()...)
}

func (Codec) DecodeError(p []byte) error {
	if len(p) < errorFixed {
		return fmt.Errorf("%w: error frame is %d bytes", ErrMalformed, len(p))
	}
	return &RemoteError{
		Code:    Code(binary.LittleEndian.Uint16(p[0:2])),
		Message: string(p[errorFixed:]),
	}
}

// alignedCopy copies b into 8-byte aligned memory so the result can be viewed
// as []uint64.
func alignedCopy(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	words := make([]uint64, (len(b)+7)/8)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(b))
	copy(dst, b)
	return dst
}

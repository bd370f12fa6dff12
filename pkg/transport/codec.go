package transport

import "github.com/valyala/bytebufferpool"

// Codec translates typed messages to frame payloads. Encoders append to dst.
type Codec[Req, Resp any] interface {
	EncodeRequest(dst *bytebufferpool.ByteBuffer, req *Req) error
	DecodeRequest(payload []byte, req *Req) error
	EncodeResponse(dst *bytebufferpool.ByteBuffer, resp *Resp) error
	DecodeResponse(payload []byte, resp *Resp) error
	// EncodeError writes the payload of an error frame for err.
	EncodeError(dst *bytebufferpool.ByteBuffer, err error)
	// DecodeError rebuilds the error carried by an error frame.
	DecodeError(payload []byte) error
}

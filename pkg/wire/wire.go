// Package wire implements the framing protocol spoken between the bridge
// and its remote peer. Every frame starts with a fixed-size header carrying
// the frame type, followed by a type-specific fixed header and, for request
// and response frames only, an optional payload.
//
// All multi-byte fields are big-endian. The layout is:
//
//	+--------+----------------------+---------+
//	| Header | type-specific header | Payload |
//	+--------+----------------------+---------+
//	|   4B   |       12-22B         |   var   |
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// FrameType identifies the kind of frame that follows the header.
type FrameType uint32

// Frame types carried in the Header.
const (
	FrameRequest  FrameType = iota + 1 // host to peer transfer request
	FrameResponse                      // peer to host transfer result
	FrameReset                         // host to peer bus reset
	FrameCancel                        // host to peer cancellation
)

// Fixed header sizes in bytes.
const (
	HeaderSize         = 4
	RequestHeaderSize  = 22
	ResponseHeaderSize = 20
	CancelHeaderSize   = 12
)

// MaxResponsePayload bounds the payload length a peer may declare on a
// response frame. Anything larger is a protocol violation.
const MaxResponsePayload = 65536

// Codec errors.
var (
	ErrShortFrame  = errors.New("wire: frame truncated")
	ErrFrameType   = errors.New("wire: invalid frame type")
	ErrPayloadSize = errors.New("wire: declared payload length exceeds bound")
)

// String returns a human-readable frame type name for logging.
func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameReset:
		return "reset"
	case FrameCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Header prefixes every frame on the wire.
type Header struct {
	Type FrameType
}

// Encode serializes the header into HeaderSize bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf, uint32(h.Type))
	return buf
}

// DecodeHeader deserializes a frame header. It fails with ErrShortFrame on
// truncated input and ErrFrameType when the type tag is not recognized.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortFrame
	}

	t := FrameType(binary.BigEndian.Uint32(data))
	if t < FrameRequest || t > FrameCancel {
		return Header{}, ErrFrameType
	}

	return Header{Type: t}, nil
}

// RequestHeader describes an outbound transfer request. ID is assigned by
// the caller and must be unique among concurrently outstanding requests for
// the same endpoint and direction.
type RequestHeader struct {
	Addr       uint16 // negotiated device address
	PID        uint8  // token: TokenSetup, TokenIn or TokenOut
	EP         uint8  // endpoint number
	Stream     uint32 // stream id (SuperSpeed bulk streams)
	ID         uint64 // caller-assigned request id
	ShortNotOK bool   // short transfers are an error
	IntReq     bool   // interrupt on completion
	Length     uint32 // payload length (OUT) or expected length (IN)
}

// Encode serializes the request header into RequestHeaderSize bytes.
func (h RequestHeader) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, RequestHeaderSize))

	binary.Write(buf, binary.BigEndian, h.Addr)
	buf.WriteByte(h.PID)
	buf.WriteByte(h.EP)
	binary.Write(buf, binary.BigEndian, h.Stream)
	binary.Write(buf, binary.BigEndian, h.ID)
	buf.WriteByte(encodeBool(h.ShortNotOK))
	buf.WriteByte(encodeBool(h.IntReq))
	binary.Write(buf, binary.BigEndian, h.Length)

	return buf.Bytes()
}

// DecodeRequestHeader deserializes a request header.
func DecodeRequestHeader(data []byte) (RequestHeader, error) {
	if len(data) < RequestHeaderSize {
		return RequestHeader{}, ErrShortFrame
	}

	return RequestHeader{
		Addr:       binary.BigEndian.Uint16(data[0:2]),
		PID:        data[2],
		EP:         data[3],
		Stream:     binary.BigEndian.Uint32(data[4:8]),
		ID:         binary.BigEndian.Uint64(data[8:16]),
		ShortNotOK: data[16] != 0,
		IntReq:     data[17] != 0,
		Length:     binary.BigEndian.Uint32(data[18:22]),
	}, nil
}

// ResponseHeader describes an inbound transfer result. Addr carries the
// address the peer has negotiated, which may differ from the address the
// emulation currently exposes.
type ResponseHeader struct {
	Addr   uint16
	PID    uint8
	EP     uint8
	ID     uint64
	Status Status
	Length uint32
}

// Encode serializes the response header into ResponseHeaderSize bytes.
func (h ResponseHeader) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, ResponseHeaderSize))

	binary.Write(buf, binary.BigEndian, h.Addr)
	buf.WriteByte(h.PID)
	buf.WriteByte(h.EP)
	binary.Write(buf, binary.BigEndian, h.ID)
	binary.Write(buf, binary.BigEndian, int32(h.Status))
	binary.Write(buf, binary.BigEndian, h.Length)

	return buf.Bytes()
}

// DecodeResponseHeader deserializes a response header. The declared payload
// length is validated against MaxResponsePayload so that callers never
// attempt to read an oversized payload off the stream.
func DecodeResponseHeader(data []byte) (ResponseHeader, error) {
	if len(data) < ResponseHeaderSize {
		return ResponseHeader{}, ErrShortFrame
	}

	h := ResponseHeader{
		Addr:   binary.BigEndian.Uint16(data[0:2]),
		PID:    data[2],
		EP:     data[3],
		ID:     binary.BigEndian.Uint64(data[4:12]),
		Status: Status(int32(binary.BigEndian.Uint32(data[12:16]))),
		Length: binary.BigEndian.Uint32(data[16:20]),
	}

	if h.Length > MaxResponsePayload {
		return ResponseHeader{}, ErrPayloadSize
	}

	return h, nil
}

// CancelHeader references an outstanding request to abort.
type CancelHeader struct {
	Addr uint16
	PID  uint8
	EP   uint8
	ID   uint64
}

// Encode serializes the cancel header into CancelHeaderSize bytes.
func (h CancelHeader) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, CancelHeaderSize))

	binary.Write(buf, binary.BigEndian, h.Addr)
	buf.WriteByte(h.PID)
	buf.WriteByte(h.EP)
	binary.Write(buf, binary.BigEndian, h.ID)

	return buf.Bytes()
}

// DecodeCancelHeader deserializes a cancel header.
func DecodeCancelHeader(data []byte) (CancelHeader, error) {
	if len(data) < CancelHeaderSize {
		return CancelHeader{}, ErrShortFrame
	}

	return CancelHeader{
		Addr: binary.BigEndian.Uint16(data[0:2]),
		PID:  data[2],
		EP:   data[3],
		ID:   binary.BigEndian.Uint64(data[4:12]),
	}, nil
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

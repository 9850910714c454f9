package wire

import "encoding/binary"

// ControlRequestSize is the length of a USB setup packet.
const ControlRequestSize = 8

// Standard request codes inspected by the bridge.
const (
	ReqSetAddress uint8 = 0x05
)

// ControlRequest is the typed form of the 8-byte setup packet that opens a
// control transfer. Fields are little-endian on the bus, per USB.
type ControlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseControlRequest decodes the leading bytes of a SETUP payload into a
// typed control request. It fails with ErrShortFrame when fewer than
// ControlRequestSize bytes are available.
func ParseControlRequest(data []byte) (ControlRequest, error) {
	if len(data) < ControlRequestSize {
		return ControlRequest{}, ErrShortFrame
	}

	return ControlRequest{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// IsSetAddress reports whether the request is a standard SET_ADDRESS, whose
// new device address rides in Value.
func (r ControlRequest) IsSetAddress() bool {
	return r.RequestType == 0 && r.Request == ReqSetAddress
}

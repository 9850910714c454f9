package main

import (
	"io"
	"net"

	"github.com/rs/zerolog/log"

	"remoteusb/pkg/wire"
)

// echoDevice is a minimal remote device: OUT and SETUP payloads are stored
// per endpoint and handed back on the next IN transfer for that endpoint.
// Standard SET_ADDRESS requests are honored so the bridge's address
// negotiation can be exercised end to end.
type echoDevice struct {
	addr    uint16
	pending map[uint8][]byte
}

func newEchoDevice() *echoDevice {
	return &echoDevice{pending: make(map[uint8][]byte)}
}

// serve reads frames from the bridge and answers each request until the
// connection drops.
func (d *echoDevice) serve(conn net.Conn) error {
	for {
		hbuf := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(conn, hbuf); err != nil {
			return err
		}

		hdr, err := wire.DecodeHeader(hbuf)
		if err != nil {
			return err
		}

		switch hdr.Type {
		case wire.FrameRequest:
			if err := d.handleRequest(conn); err != nil {
				return err
			}
		case wire.FrameCancel:
			if err := d.handleCancel(conn); err != nil {
				return err
			}
		case wire.FrameReset:
			log.Info().Msg("Bus reset")
			d.addr = 0
			d.pending = make(map[uint8][]byte)
		default:
			log.Warn().Str("type", hdr.Type.String()).Msg("Unexpected frame from bridge")
			return wire.ErrFrameType
		}
	}
}

func (d *echoDevice) handleRequest(conn net.Conn) error {
	rbuf := make([]byte, wire.RequestHeaderSize)
	if _, err := io.ReadFull(conn, rbuf); err != nil {
		return err
	}
	req, err := wire.DecodeRequestHeader(rbuf)
	if err != nil {
		return err
	}

	var payload []byte
	if req.PID != wire.TokenIn && req.Length > 0 {
		payload = make([]byte, req.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}
	}

	resp := wire.ResponseHeader{
		Addr:   d.addr,
		PID:    req.PID,
		EP:     req.EP,
		ID:     req.ID,
		Status: wire.StatusSuccess,
	}

	var respPayload []byte
	switch req.PID {
	case wire.TokenSetup:
		if setup, err := wire.ParseControlRequest(payload); err == nil && setup.IsSetAddress() {
			d.addr = setup.Value
			log.Info().Uint16("addr", d.addr).Msg("Address assigned")
		}
		resp.Length = req.Length
	case wire.TokenOut:
		d.pending[req.EP] = append(d.pending[req.EP], payload...)
		resp.Length = req.Length
	case wire.TokenIn:
		buffered := d.pending[req.EP]
		n := int(req.Length)
		if n > len(buffered) {
			n = len(buffered)
		}
		respPayload = buffered[:n]
		d.pending[req.EP] = buffered[n:]
		resp.Length = uint32(n)
	default:
		resp.Status = wire.StatusStall
	}

	log.Debug().
		Str("direction", wire.TokenName(req.PID)).
		Uint8("ep", req.EP).
		Uint64("id", req.ID).
		Uint32("length", resp.Length).
		Msg("Request served")

	if _, err := conn.Write(wire.Header{Type: wire.FrameResponse}.Encode()); err != nil {
		return err
	}
	if _, err := conn.Write(resp.Encode()); err != nil {
		return err
	}
	if req.PID == wire.TokenIn && len(respPayload) > 0 {
		if _, err := conn.Write(respPayload); err != nil {
			return err
		}
	}
	return nil
}

func (d *echoDevice) handleCancel(conn net.Conn) error {
	cbuf := make([]byte, wire.CancelHeaderSize)
	if _, err := io.ReadFull(conn, cbuf); err != nil {
		return err
	}
	ch, err := wire.DecodeCancelHeader(cbuf)
	if err != nil {
		return err
	}

	log.Info().Uint64("id", ch.ID).Msg("Cancel acknowledged")

	resp := wire.ResponseHeader{
		Addr:   d.addr,
		PID:    ch.PID,
		EP:     ch.EP,
		ID:     ch.ID,
		Status: wire.StatusIOError,
	}

	if _, err := conn.Write(wire.Header{Type: wire.FrameResponse}.Encode()); err != nil {
		return err
	}
	_, err = conn.Write(resp.Encode())
	return err
}

package bridge

import (
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"remoteusb/pkg/wire"
)

// errAsyncFlowControl marks a peer re-answering an async transfer with a
// flow-control status. The remote has already advanced past NAK semantics,
// so the stream is inconsistent and the connection must drop.
var errAsyncFlowControl = errors.New("bridge: NAK or async response for an async transfer")

// readLoop consumes frames from the peer one at a time until the
// connection fails or is torn down. It runs once per live connection.
func (b *Bridge) readLoop(conn net.Conn, session uuid.UUID) {
	for {
		if err := b.readFrame(conn); err != nil {
			if !b.closed.Load() {
				log.Warn().
					Err(err).
					Str("session", session.String()).
					Msg("Connection dropped")
			}
			break
		}
		if b.closed.Load() {
			break
		}
	}

	b.connectionLost()
	log.Debug().Str("session", session.String()).Msg("Reader exited")
}

// readFrame reads and dispatches a single inbound frame. Only response
// frames are legal inbound; any other type is a framing violation.
func (b *Bridge) readFrame(conn net.Conn) error {
	hbuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, hbuf); err != nil {
		return err
	}

	hdr, err := wire.DecodeHeader(hbuf)
	if err != nil {
		return err
	}
	if hdr.Type != wire.FrameResponse {
		log.Warn().Str("type", hdr.Type.String()).Msg("Unexpected inbound frame type")
		return wire.ErrFrameType
	}

	rbuf := make([]byte, wire.ResponseHeaderSize)
	if _, err := io.ReadFull(conn, rbuf); err != nil {
		return err
	}

	// Oversized declared lengths are rejected here, before any attempt to
	// consume the payload from the stream.
	rhdr, err := wire.DecodeResponseHeader(rbuf)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid response header")
		return err
	}

	return b.handleResponse(conn, rhdr)
}

// handleResponse routes one response to the matching inflight entry, or to
// the host's own transfer lookup, applies the status mapping and address
// bookkeeping, and either wakes the blocked caller or defers completion to
// the relay.
func (b *Bridge) handleResponse(conn net.Conn, rhdr wire.ResponseHeader) error {
	entry := b.inflight.find(rhdr.PID, rhdr.EP, rhdr.ID)

	var p *Packet
	if entry != nil {
		p = entry.p
	} else {
		// Covers transfers not tracked through the synchronous path, such
		// as host-queued packets completing asynchronously.
		p = b.host.FindPacket(rhdr.PID, rhdr.EP, rhdr.ID)
	}

	if rhdr.Length > 0 && rhdr.Status != wire.StatusAsync {
		if rhdr.PID == wire.TokenIn {
			// The payload is consumed even when the target is gone, to keep
			// the stream in sync.
			buf := make([]byte, rhdr.Length)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return err
			}
			if p != nil {
				p.copyIn(buf)
			}
		} else if p != nil {
			// OUT payload bytes are not re-sent; only the count comes back.
			p.ActualLength += int(rhdr.Length)
		}
	}

	if p == nil {
		// Stale: the target was already cancelled or removed. The stream
		// itself is still healthy.
		log.Warn().
			Str("pid", wire.TokenName(rhdr.PID)).
			Uint8("ep", rhdr.EP).
			Uint64("id", rhdr.ID).
			Msg("Response for unknown transfer, dropped")
		return nil
	}

	status := rhdr.Status
	state := p.State()
	canceled := state == StateCanceled

	switch state {
	case StateAsync:
		if status == wire.StatusNAK || status == wire.StatusAsync {
			log.Warn().
				Uint64("id", rhdr.ID).
				Str("status", status.String()).
				Msg("Flow-control status for async transfer")
			return errAsyncFlowControl
		}
	case StateQueued:
		if status == wire.StatusNAK {
			// The peer has already advanced past NAK semantics; re-issuing
			// the transfer would be incorrect.
			status = wire.StatusIOError
		}
	}
	p.SetStatus(status)

	// Status-stage bookkeeping: a terminal result on an endpoint-0 IN
	// transfer carries the address the peer now considers negotiated.
	if p.EP == 0 && p.PID == wire.TokenIn && !canceled && status.Terminal() {
		b.setShadow(rhdr.Addr)
	}

	if entry != nil {
		entry.peerAddr = rhdr.Addr
		entry.fire()
	} else if status != wire.StatusAsync && !canceled {
		b.enqueueCompleted(p, rhdr.Addr)
	}

	return nil
}

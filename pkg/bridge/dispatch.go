package bridge

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"remoteusb/pkg/wire"
)

// errConnClosed is returned by writeFrames when no peer is connected.
var errConnClosed = errors.New("bridge: connection closed")

// cancelWait bounds how long CancelPacket waits for the peer to
// acknowledge. A non-responsive peer must not hang the emulation side
// during cancellation, unlike HandlePacket whose wait is bounded only by
// connection liveness.
const cancelWait = time.Second

// HandlePacket submits one transfer to the peer and blocks until its
// response arrives or the connection fails. It may be called concurrently
// for different transfers. The result always lands on the packet's Status;
// submission itself never fails with an error.
func (b *Bridge) HandlePacket(p *Packet) {
	if b.closed.Load() {
		p.SetStatus(wire.StatusStall)
		return
	}

	hdr := wire.Header{Type: wire.FrameRequest}
	req := wire.RequestHeader{
		Addr:       b.shadowAddr(),
		PID:        p.PID,
		EP:         p.EP,
		Stream:     p.Stream,
		ID:         p.ID,
		ShortNotOK: p.ShortNotOK,
		IntReq:     p.IntReq,
		Length:     uint32(p.Remaining()),
	}

	// Outbound bytes are staged before any blocking so the packet buffer is
	// never touched once the caller starts waiting.
	var payload []byte
	if p.PID != wire.TokenIn && req.Length > 0 {
		payload = make([]byte, req.Length)
		copy(payload, p.Data[p.ActualLength:])

		if p.PID == wire.TokenSetup && p.EP == 0 {
			setup, err := wire.ParseControlRequest(payload)
			if err == nil && setup.IsSetAddress() {
				// Staged only: the visible address must not change until
				// the status stage completes.
				b.setShadow(setup.Value)
				log.Debug().Uint16("addr", setup.Value).Msg("Address staged")
			}
		}
	}

	entry, inserted := b.inflight.add(p, b.host.Address())
	if !inserted {
		log.Warn().
			Str("pid", wire.TokenName(p.PID)).
			Uint8("ep", p.EP).
			Uint64("id", p.ID).
			Msg("Duplicate inflight id")
		p.SetStatus(wire.StatusStall)
		return
	}

	if err := b.writeFrames(hdr.Encode(), req.Encode(), payload); err != nil {
		p.SetStatus(wire.StatusStall)
	} else {
		<-entry.done
	}

	// Synchronous commit path: when the caller itself carried the status
	// stage, the negotiated address becomes visible right here.
	if b.shadowAddr() != b.host.Address() &&
		p.EP == 0 && p.PID == wire.TokenIn && p.Status() == wire.StatusSuccess {
		b.host.SetAddress(b.shadowAddr())
		log.Info().Uint16("addr", b.host.Address()).Msg("Device address set")
	}

	b.inflight.remove(entry)
}

// CancelPacket asks the peer to abort an already-submitted transfer. The
// wait for acknowledgement is bounded and best-effort: on timeout the
// transient entry is removed regardless, and the peer's eventual late
// response is dropped by the reader as stale.
func (b *Bridge) CancelPacket(p *Packet) {
	if p.Combined {
		b.host.CancelCombined(p)
		return
	}

	if b.closed.Load() {
		return
	}

	hdr := wire.Header{Type: wire.FrameCancel}
	ch := wire.CancelHeader{
		Addr: b.shadowAddr(),
		PID:  p.PID,
		EP:   p.EP,
		ID:   p.ID,
	}

	// Reuse the original request's entry when it is still registered, so
	// the one-entry-per-key invariant holds.
	entry, inserted := b.inflight.add(p, b.host.Address())

	if err := b.writeFrames(hdr.Encode(), ch.Encode(), nil); err == nil {
		select {
		case <-entry.done:
		case <-time.After(cancelWait):
			log.Debug().
				Str("pid", wire.TokenName(p.PID)).
				Uint8("ep", p.EP).
				Uint64("id", p.ID).
				Msg("Cancel acknowledgement timed out")
		}
	}

	if inserted {
		b.inflight.remove(entry)
	}
}

// HandleReset forwards a bus reset: every outstanding request is forced to
// a stall result, pending completions are flushed, the negotiated address
// is forgotten and a reset frame is sent best-effort with no response
// awaited.
func (b *Bridge) HandleReset() {
	if b.closed.Load() {
		return
	}

	b.inflight.failAll()
	b.drainCompleted()
	b.setShadow(0)

	hdr := wire.Header{Type: wire.FrameReset}
	if err := b.writeFrames(hdr.Encode(), nil, nil); err != nil {
		log.Warn().Err(err).Msg("Reset frame not delivered")
	}
}

// writeFrames writes a frame as one atomic unit on the wire: header, type
// header, then payload, under the single serializing write lock. Any write
// failure transitions the connection to Closed; nothing is retried on the
// same socket.
func (b *Bridge) writeFrames(bufs ...[]byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	conn := b.peerConn()
	if conn == nil || b.closed.Load() {
		return errConnClosed
	}

	for _, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		if _, err := conn.Write(buf); err != nil {
			b.connectionLost()
			return err
		}
	}

	return nil
}

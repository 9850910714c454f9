package bridge

import (
	"sync/atomic"

	"remoteusb/pkg/wire"
)

// PacketState tracks where a transfer sits in the host's lifecycle. The
// bridge reads it when routing responses; the host and the canceling caller
// mutate it, so access goes through atomic accessors.
type PacketState int32

const (
	// StateSetup indicates a transfer being prepared by the host.
	StateSetup PacketState = iota

	// StateQueued indicates a transfer sitting in a host-managed queue.
	StateQueued

	// StateAsync indicates a transfer whose completion arrives later.
	StateAsync

	// StateCanceled indicates a transfer the host has asked to stop.
	StateCanceled
)

// Packet is one USB transfer request. It is owned by the host environment
// for its full lifetime; the bridge borrows it between registration in the
// inflight table (or completed queue) and removal, and never retains a
// reference past that window.
type Packet struct {
	// PID is the token identifying direction: TokenSetup, TokenIn, TokenOut
	PID uint8

	// EP is the target endpoint number
	EP uint8

	// Stream is the bulk stream id
	Stream uint32

	// ID uniquely identifies the transfer among concurrently outstanding
	// requests for the same endpoint and direction
	ID uint64

	// ShortNotOK marks short transfers as errors
	ShortNotOK bool

	// IntReq requests an interrupt on completion
	IntReq bool

	// Combined marks a transfer belonging to a host-combined set, whose
	// cancellation is delegated back to the host
	Combined bool

	// Data is the transfer buffer: written for IN, read for OUT/SETUP
	Data []byte

	// ActualLength counts bytes transferred so far
	ActualLength int

	// status holds the transfer result once resolved. The reader and the
	// teardown sweep both write it, so access goes through atomic
	// accessors like state.
	status atomic.Int32

	state atomic.Int32
}

// State returns the transfer's lifecycle state.
func (p *Packet) State() PacketState {
	return PacketState(p.state.Load())
}

// SetState moves the transfer to a new lifecycle state.
func (p *Packet) SetState(s PacketState) {
	p.state.Store(int32(s))
}

// Status returns the transfer result.
func (p *Packet) Status() wire.Status {
	return wire.Status(p.status.Load())
}

// SetStatus records the transfer result.
func (p *Packet) SetStatus(s wire.Status) {
	p.status.Store(int32(s))
}

// Remaining returns the number of buffer bytes not yet transferred.
func (p *Packet) Remaining() int {
	return len(p.Data) - p.ActualLength
}

// copyIn appends response payload bytes to the transfer buffer, advancing
// ActualLength by the amount that fit.
func (p *Packet) copyIn(buf []byte) {
	n := copy(p.Data[p.ActualLength:], buf)
	p.ActualLength += n
}

// Host is the USB emulation environment the bridge serves. It owns every
// Packet, dispatches completions, and mediates port attachment.
// Implementations must be safe for concurrent use by multiple goroutines.
type Host interface {
	// FindPacket locates a live transfer by direction, endpoint and id when
	// the inflight table has no matching entry. Returns nil if none exists.
	FindPacket(pid, ep uint8, id uint64) *Packet

	// Complete delivers a standalone transfer completion.
	Complete(p *Packet)

	// CompleteRemoved delivers completion for a transfer the host must
	// first unlink from one of its own queues.
	CompleteRemoved(p *Packet)

	// CancelCombined cancels a transfer that belongs to a host-combined
	// set; the set owns the cancellation of its members.
	CancelCombined(p *Packet)

	// Attach plugs the virtual device into the host port.
	Attach() error

	// Detach unplugs the virtual device.
	Detach()

	// Address returns the device address currently visible to the host.
	Address() uint16

	// SetAddress commits a newly negotiated device address.
	SetAddress(addr uint16)
}

// Package bridge forwards USB transfer packets between a local virtual
// port and a single remote peer reachable over a stream socket, so a
// remotely hosted device can be driven as if locally attached. It preserves
// transfer ordering and addressing semantics, supports cancellation and bus
// reset, and recovers from disconnects through a fresh accept cycle.
//
// Three kinds of goroutine touch a Bridge concurrently: the lifecycle
// goroutine handling accept and teardown, one reader goroutine per live
// connection, and any number of host callers submitting, canceling or
// resetting transfers.
package bridge

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Bridge relays transfer requests to a remote peer and routes the peer's
// responses back to the exact waiting caller.
type Bridge struct {
	host     Host
	listener net.Listener

	// ctx controls bridge lifetime
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards conn, connLost and stopped
	mu       sync.Mutex
	conn     net.Conn
	connLost chan struct{}
	stopped  bool

	// closed tracks the connection state machine: true means no live peer.
	// Transitions back to false on every successful accept.
	closed atomic.Bool

	// attached is touched only by the lifecycle goroutine
	attached bool

	// writeMu serializes outbound frames so header, type header and payload
	// from concurrent callers never interleave on the wire
	writeMu sync.Mutex

	// shadow is the device address negotiated with the peer, pending commit
	// to the address the host exposes
	shadow atomic.Uint32

	inflight *inflightTable

	completedMu sync.Mutex
	completed   []*completedEntry
	completedCh chan struct{}
}

// New creates a bridge serving the given host over an already-bound
// listener. Use transport.Listen to construct one per connection kind. The
// bridge does not accept peers until Start is called.
func New(parentCtx context.Context, host Host, listener net.Listener) *Bridge {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	b := &Bridge{
		host:        host,
		listener:    listener,
		ctx:         ctx,
		cancel:      cancel,
		inflight:    newInflightTable(),
		completedCh: make(chan struct{}, 1),
	}
	b.closed.Store(true)
	return b
}

// Start launches the lifecycle and completion-relay goroutines.
func (b *Bridge) Start() {
	go b.acceptLoop()
	go b.completedLoop()
}

// Stop tears the bridge down: stops accepting, drops the peer, forces
// every inflight request to a stall result and flushes pending
// completions. Safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	b.listener.Close()

	b.connectionLost()
	b.inflight.failAll()
	b.drainCompleted()
}

// Closed reports whether no peer is currently connected.
func (b *Bridge) Closed() bool {
	return b.closed.Load()
}

// ShadowAddress returns the address negotiated with the peer that has not
// necessarily been committed to the host yet.
func (b *Bridge) ShadowAddress() uint16 {
	return b.shadowAddr()
}

// Inflight returns a snapshot of the requests awaiting a response.
func (b *Bridge) Inflight() []InflightInfo {
	return b.inflight.snapshot()
}

// Peer returns the remote address of the connected peer, or empty when
// closed.
func (b *Bridge) Peer() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ""
	}
	return b.conn.RemoteAddr().String()
}

// acceptLoop is the lifecycle goroutine. The listener admits a single
// pending connection; while a peer is connected no further attempts are
// serviced, because the loop only returns to Accept after the previous
// connection has been cleaned up.
func (b *Bridge) acceptLoop() {
	for {
		if b.isStopped() {
			return
		}

		conn, err := b.listener.Accept()
		if err != nil {
			if b.ctx.Err() != nil || b.isStopped() {
				return
			}
			log.Warn().Err(err).Msg("Accept failed")
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		session := uuid.New()
		lost := make(chan struct{})

		b.mu.Lock()
		b.conn = conn
		b.connLost = lost
		b.mu.Unlock()
		b.closed.Store(false)

		log.Info().
			Str("session", session.String()).
			Str("peer", conn.RemoteAddr().String()).
			Msg("Peer connected")

		if !b.attached {
			if err := b.host.Attach(); err != nil {
				log.Error().Err(err).Msg("Device attach failed")
			} else {
				b.attached = true
			}
		}

		readerDone := make(chan struct{})
		go func() {
			b.readLoop(conn, session)
			close(readerDone)
		}()

		<-lost
		b.cleanup(session)

		// The next accept happens only after the previous reader has fully
		// exited, so its teardown can never hit a fresh session.
		<-readerDone
	}
}

// connectionLost transitions Open to Closed exactly once per connection:
// it unblocks every waiting caller with a stall result and signals the
// lifecycle goroutine to run cleanup. Socket closure, device detachment
// and the completed-queue flush are deferred to that single serialized
// cleanup step.
func (b *Bridge) connectionLost() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.inflight.failAll()

	b.mu.Lock()
	if b.connLost != nil {
		close(b.connLost)
		b.connLost = nil
	}
	b.mu.Unlock()
}

// cleanup runs on the lifecycle goroutine after a connection drops.
func (b *Bridge) cleanup(session uuid.UUID) {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	b.setShadow(0)
	b.drainCompleted()

	if b.attached {
		b.host.Detach()
		b.attached = false
	}

	log.Info().Str("session", session.String()).Msg("Peer disconnected")
}

func (b *Bridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Bridge) peerConn() net.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Bridge) shadowAddr() uint16 {
	return uint16(b.shadow.Load())
}

func (b *Bridge) setShadow(addr uint16) {
	b.shadow.Store(uint32(addr))
}

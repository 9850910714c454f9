package bridge

import (
	"remoteusb/pkg/wire"
)

// completedEntry is an owned queue node wrapping a transfer whose response
// arrived with no caller waiting on it. addr is the address the peer had
// negotiated at completion time. Each entry is consumed exactly once, in
// FIFO order relative to other entries on the same connection.
type completedEntry struct {
	p    *Packet
	addr uint16
}

// enqueueCompleted appends an entry to the completed queue and nudges the
// relay goroutine. The queue has its own lock so deferred completions never
// contend with synchronous callers on the inflight table.
func (b *Bridge) enqueueCompleted(p *Packet, addr uint16) {
	b.completedMu.Lock()
	b.completed = append(b.completed, &completedEntry{p: p, addr: addr})
	b.completedMu.Unlock()

	select {
	case b.completedCh <- struct{}{}:
	default:
	}
}

// popCompleted removes the oldest entry, or returns nil when drained.
func (b *Bridge) popCompleted() *completedEntry {
	b.completedMu.Lock()
	defer b.completedMu.Unlock()

	if len(b.completed) == 0 {
		return nil
	}
	c := b.completed[0]
	b.completed = b.completed[1:]
	return c
}

// completedLoop is the relay: the single goroutine that owns host
// completion callbacks. Completions must never run on the reader
// goroutine, so the reader only enqueues and this loop delivers.
func (b *Bridge) completedLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.completedCh:
			for {
				c := b.popCompleted()
				if c == nil {
					break
				}
				b.deliver(c)
			}
		}
	}
}

// deliver hands one completed transfer back to the host. When the transfer
// is the successful status stage of a control transfer that negotiated a
// new address, the visible address is committed strictly after this
// completion is delivered, so the change never becomes visible
// mid-transfer.
func (b *Bridge) deliver(c *completedEntry) {
	commit := c.p.EP == 0 && c.p.PID == wire.TokenIn &&
		c.p.Status() == wire.StatusSuccess &&
		b.shadowAddr() != b.host.Address()

	if st := c.p.State(); st == StateQueued || st == StateAsync {
		if c.p.Status() == wire.StatusRemoveFromQueue {
			b.host.CompleteRemoved(c.p)
		} else {
			b.host.Complete(c.p)
		}
	}

	if commit {
		b.host.SetAddress(b.shadowAddr())
	}
}

// drainCompleted flushes the queue, forcing every pending entry to a stall
// result. Runs during reset and during the serialized cleanup step after a
// connection drops.
func (b *Bridge) drainCompleted() {
	b.completedMu.Lock()
	drained := b.completed
	b.completed = nil
	b.completedMu.Unlock()

	for _, c := range drained {
		removed := c.p.Status() == wire.StatusRemoveFromQueue
		c.p.SetStatus(wire.StatusStall)
		if removed {
			b.host.CompleteRemoved(c.p)
		} else {
			b.host.Complete(c.p)
		}
	}
}

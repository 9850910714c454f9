package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"remoteusb/pkg/wire"
)

// inflightKey routes a response to the exact waiting request. No ordering
// is imposed across different endpoints or directions.
type inflightKey struct {
	pid uint8
	ep  uint8
	id  uint64
}

// inflightEntry tracks one request awaiting its response. The packet
// reference is borrowed from the host; addr snapshots the visible device
// address at registration, peerAddr records the address the peer reported
// on the response.
type inflightEntry struct {
	key        inflightKey
	p          *Packet
	addr       uint16
	peerAddr   uint16
	registered time.Time

	handled atomic.Bool
	done    chan struct{}
}

// fire marks the entry handled and wakes its waiter. The false-to-true
// transition happens exactly once; later calls are no-ops.
func (e *inflightEntry) fire() {
	if e.handled.CompareAndSwap(false, true) {
		close(e.done)
	}
}

// inflightTable holds all requests currently awaiting a peer response.
// Insert, lookup and remove each take the lock for the table operation
// only, never across a blocking wait.
type inflightTable struct {
	mu      sync.Mutex
	entries map[inflightKey]*inflightEntry
}

func newInflightTable() *inflightTable {
	return &inflightTable{entries: make(map[inflightKey]*inflightEntry)}
}

// add registers a packet under its (direction, endpoint, id) key and snaps
// the visible address. When the key is already occupied the existing entry
// is returned with inserted=false; at most one entry per key exists at any
// instant.
func (t *inflightTable) add(p *Packet, addr uint16) (entry *inflightEntry, inserted bool) {
	k := inflightKey{pid: p.PID, ep: p.EP, id: p.ID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[k]; ok {
		return existing, false
	}

	entry = &inflightEntry{
		key:        k,
		p:          p,
		addr:       addr,
		registered: time.Now(),
		done:       make(chan struct{}),
	}
	t.entries[k] = entry
	return entry, true
}

// find returns the entry matching a response, or nil.
func (t *inflightTable) find(pid, ep uint8, id uint64) *inflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[inflightKey{pid: pid, ep: ep, id: id}]
}

// remove deletes the entry from the table. Only the entry itself is
// removed, so a caller racing with a re-registration of the same key never
// evicts the newer entry.
func (t *inflightTable) remove(e *inflightEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[e.key] == e {
		delete(t.entries, e.key)
	}
}

// failAll forces every tracked request to a stall result and wakes its
// waiter. Entries are removed later by their own callers.
func (t *inflightTable) failAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		e.p.SetStatus(wire.StatusStall)
		e.fire()
	}
}

// snapshot copies current entries for inspection.
func (t *inflightTable) snapshot() []InflightInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]InflightInfo, 0, len(t.entries))
	for _, e := range t.entries {
		infos = append(infos, InflightInfo{
			PID:        e.key.pid,
			EP:         e.key.ep,
			ID:         e.key.id,
			Registered: e.registered,
		})
	}
	return infos
}

// InflightInfo describes one outstanding request for status reporting.
type InflightInfo struct {
	PID        uint8
	EP         uint8
	ID         uint64
	Registered time.Time
}

package main

import (
	"sync"

	"github.com/rs/zerolog/log"

	"remoteusb/pkg/bridge"
	"remoteusb/pkg/wire"
)

// consoleHost is the console's stand-in for a USB emulation environment.
// It tracks submitted packets so cancels and deferred completions can find
// them, and reports completions through the log.
type consoleHost struct {
	mu      sync.Mutex
	addr    uint16
	packets map[packetKey]*bridge.Packet
}

type packetKey struct {
	pid uint8
	ep  uint8
	id  uint64
}

func newConsoleHost() *consoleHost {
	return &consoleHost{packets: make(map[packetKey]*bridge.Packet)}
}

// track registers a packet so it can be found by id later.
func (h *consoleHost) track(p *bridge.Packet) *bridge.Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets[packetKey{pid: p.PID, ep: p.EP, id: p.ID}] = p
	return p
}

// resolved logs a transfer's outcome and forgets it.
func (h *consoleHost) resolved(p *bridge.Packet) {
	h.mu.Lock()
	delete(h.packets, packetKey{pid: p.PID, ep: p.EP, id: p.ID})
	h.mu.Unlock()

	log.Info().
		Str("direction", wire.TokenName(p.PID)).
		Uint8("ep", p.EP).
		Uint64("id", p.ID).
		Str("status", p.Status().String()).
		Int("actual_length", p.ActualLength).
		Msg("Transfer resolved")
}

func (h *consoleHost) FindPacket(pid, ep uint8, id uint64) *bridge.Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packets[packetKey{pid: pid, ep: ep, id: id}]
}

func (h *consoleHost) Complete(p *bridge.Packet) {
	h.resolved(p)
}

func (h *consoleHost) CompleteRemoved(p *bridge.Packet) {
	h.resolved(p)
}

func (h *consoleHost) CancelCombined(p *bridge.Packet) {
	log.Warn().Uint64("id", p.ID).Msg("Combined cancel not supported by console host")
}

func (h *consoleHost) Attach() error {
	log.Info().Msg("Device attached")
	return nil
}

func (h *consoleHost) Detach() {
	log.Info().Msg("Device detached")
}

func (h *consoleHost) Address() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

func (h *consoleHost) SetAddress(addr uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addr = addr
}

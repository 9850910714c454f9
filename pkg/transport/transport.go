// Package transport constructs the listening endpoint a bridge accepts its
// peer on. It supports unix domain sockets and TCP over IPv4 or IPv6; the
// choice affects only how the listener is created, never how the protocol
// behaves once connected.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind selects the connection family for the listening endpoint.
type Kind string

// Supported connection kinds.
const (
	KindUnix Kind = "unix"
	KindIPv4 Kind = "ipv4"
	KindIPv6 Kind = "ipv6"
)

// DefaultUnixPath is used when a unix listener is requested without an
// explicit socket path.
const DefaultUnixPath = "/tmp/remoteusb.sock"

var errPortRequired = errors.New("transport: port must be specified")

// Config describes where the bridge listens for its peer.
type Config struct {
	// Kind selects the connection family
	Kind Kind

	// Addr is the socket path (unix) or bind address (ipv4/ipv6). Empty
	// means the default path or the wildcard address respectively.
	Addr string

	// Port is the bind port, required for ipv4 and ipv6
	Port uint16
}

// Listen binds and listens according to the config. Failures here are
// fatal to bridge construction; no bridge exists until a listener does.
func Listen(cfg Config) (net.Listener, error) {
	switch cfg.Kind {
	case KindUnix:
		return listenUnix(cfg.Addr)
	case KindIPv4:
		return listenTCP("tcp4", cfg.Addr, cfg.Port)
	case KindIPv6:
		return listenTCP("tcp6", cfg.Addr, cfg.Port)
	default:
		return nil, fmt.Errorf("transport: unknown connection kind %q", cfg.Kind)
	}
}

// listenUnix creates a unix domain socket listener. A stale socket file
// from a previous run is removed first; any other kind of file at the path
// is refused.
func listenUnix(path string) (net.Listener, error) {
	if path == "" {
		path = DefaultUnixPath
	}

	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("transport: existing file at %s is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("transport: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: cannot listen on %s: %w", path, err)
	}

	// Peers may run under a different user.
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("transport: chmod %s: %w", path, err)
	}

	return ln, nil
}

// listenTCP creates a TCP listener for the given family. An empty address
// binds the wildcard.
func listenTCP(network, addr string, port uint16) (net.Listener, error) {
	if port == 0 {
		return nil, errPortRequired
	}

	if addr != "" {
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, fmt.Errorf("transport: invalid bind address %q", addr)
		}
		if network == "tcp4" && ip.To4() == nil {
			return nil, fmt.Errorf("transport: %q is not an IPv4 address", addr)
		}
		if network == "tcp6" && ip.To4() != nil {
			return nil, fmt.Errorf("transport: %q is not an IPv6 address", addr)
		}
	}

	ln, err := net.Listen(network, net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("transport: cannot listen on port %d: %w", port, err)
	}

	return ln, nil
}

package transport

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenUnknownKind(t *testing.T) {
	_, err := Listen(Config{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestListenTCPRequiresPort(t *testing.T) {
	for _, kind := range []Kind{KindIPv4, KindIPv6} {
		_, err := Listen(Config{Kind: kind})
		assert.ErrorIs(t, err, errPortRequired)
	}
}

func TestListenTCPAddressValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "garbage address", cfg: Config{Kind: KindIPv4, Addr: "not-an-ip", Port: 4444}},
		{name: "v6 address on v4 kind", cfg: Config{Kind: KindIPv4, Addr: "::1", Port: 4444}},
		{name: "v4 address on v6 kind", cfg: Config{Kind: KindIPv6, Addr: "127.0.0.1", Port: 4444}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Listen(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestListenUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")

	ln, err := Listen(Config{Kind: KindUnix, Addr: path})
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0o666), info.Mode().Perm())

	// The listener actually accepts connections.
	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(done)
	}()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	conn.Close()
	<-done
}

func TestListenUnixRefusesNonSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.sock")
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0o644))

	_, err := Listen(Config{Kind: KindUnix, Addr: path})
	assert.Error(t, err)

	// The file is left untouched.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not a socket", string(data))
}

// Package main implements a demo peer for the remote USB bridge: it dials
// a running bridge and services transfer requests as a loopback device
// that echoes OUT data back on IN transfers. Useful for manual end-to-end
// runs against the console.
package main

import (
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Exit codes.
const (
	Success        = 0 // clean shutdown
	ErrBadArgs     = 1 // invalid command line
	ErrDialFailed  = 2 // could not reach the bridge
	ErrConnDropped = 3 // bridge closed the connection
)

func main() {
	network := flag.String("network", "unix", "dial network: unix or tcp")
	addr := flag.String("addr", "/tmp/remoteusb.sock", "socket path or host:port of the bridge")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if *network != "unix" && *network != "tcp" {
		log.Error().Str("network", *network).Msg("Unknown network")
		os.Exit(ErrBadArgs)
	}

	conn, err := net.Dial(*network, *addr)
	if err != nil {
		log.Error().Err(err).Msg("Failed to dial bridge")
		os.Exit(ErrDialFailed)
	}
	log.Info().Str("bridge", *addr).Msg("Connected to bridge")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down")
		conn.Close()
		os.Exit(Success)
	}()

	dev := newEchoDevice()
	if err := dev.serve(conn); err != nil && err != io.EOF {
		log.Error().Err(err).Msg("Connection dropped")
		os.Exit(ErrConnDropped)
	}

	log.Info().Msg("Bridge closed the connection")
	os.Exit(Success)
}

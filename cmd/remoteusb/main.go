// Package main implements the remote USB bridge operator console.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"remoteusb/pkg/bridge"
	"remoteusb/pkg/transport"
	"remoteusb/pkg/wire"
)

// CLI banner with version.
const banner = `
                           _                 _
  _ __ ___ _ __ ___   ___ | |_ ___ _   _ ___| |__
 | '__/ _ \ '_ ' _ \ / _ \| __/ _ \ | | / __| '_ \
 | | |  __/ | | | | | (_) | ||  __/ |_| \__ \ |_) |
 |_|  \___|_| |_| |_|\___/ \__\___|\__,_|___/_.__/

   Remote USB bridge console (v1.0)
   ---------------------------------

`

// Global state.
var (
	host   *consoleHost   // host-side packet bookkeeping
	active *bridge.Bridge // running bridge, nil when stopped
)

// parsePID maps a direction argument to its token PID.
func parsePID(dir string) (uint8, error) {
	switch dir {
	case "in":
		return wire.TokenIn, nil
	case "out":
		return wire.TokenOut, nil
	case "setup":
		return wire.TokenSetup, nil
	default:
		return 0, fmt.Errorf("unknown direction %q (want in, out or setup)", dir)
	}
}

// RenderStatusTable formats bridge and inflight state into a table.
func RenderStatusTable(b *bridge.Bridge, h *consoleHost) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	state := "open"
	if b.Closed() {
		state = "closed"
	}

	t.AppendHeader(table.Row{"State", "Peer", "Visible addr", "Shadow addr", "Inflight"})
	inflight := b.Inflight()
	t.AppendRow(table.Row{state, b.Peer(), h.Address(), b.ShadowAddress(), len(inflight)})

	out := t.Render()
	if len(inflight) == 0 {
		return out
	}

	d := table.NewWriter()
	d.SetStyle(table.StyleRounded)
	d.AppendHeader(table.Row{"Direction", "Endpoint", "ID", "Age"})
	for _, e := range inflight {
		d.AppendRow(table.Row{
			wire.TokenName(e.PID),
			e.EP,
			fmt.Sprintf("0x%x", e.ID),
			time.Since(e.Registered).Round(time.Millisecond).String(),
		})
	}

	return out + "\n" + d.Render()
}

// AddCommands registers all console commands with the application.
func AddCommands(app *grumble.App) {
	// Command to start a bridge on a configured transport
	app.AddCommand(&grumble.Command{
		Name:    "start",
		Aliases: []string{"listen"},
		Help:    "start the bridge and wait for a peer",
		Flags: func(f *grumble.Flags) {
			f.String("t", "transport", "unix", "connection kind: unix, ipv4 or ipv6")
			f.String("a", "addr", "", "socket path (unix) or bind address (ipv4/ipv6)")
			f.Uint("p", "port", 0, "bind port (ipv4/ipv6)")
		},
		Run: func(c *grumble.Context) error {
			if active != nil {
				log.Warn().Msg("Bridge already running")
				return nil
			}

			cfg := transport.Config{
				Kind: transport.Kind(c.Flags.String("transport")),
				Addr: c.Flags.String("addr"),
				Port: uint16(c.Flags.Uint("port")),
			}

			ln, err := transport.Listen(cfg)
			if err != nil {
				log.Error().Err(err).Msg("Failed to create listener")
				return nil
			}

			host = newConsoleHost()
			active = bridge.New(nil, host, ln)
			active.Start()

			log.Info().
				Str("transport", string(cfg.Kind)).
				Str("listen", ln.Addr().String()).
				Msg("Bridge started, waiting for peer")
			return nil
		},
	})
	// Command to show bridge state and outstanding transfers
	app.AddCommand(&grumble.Command{
		Name: "status",
		Help: "show connection state and outstanding transfers",
		Run: func(c *grumble.Context) error {
			if active == nil {
				log.Info().Msg("No bridge running")
				return nil
			}
			c.App.Println(RenderStatusTable(active, host))
			return nil
		},
	})
	// Command to submit a test transfer
	app.AddCommand(&grumble.Command{
		Name: "submit",
		Help: "submit a transfer (blocks in the background until resolved)",
		Args: func(a *grumble.Args) {
			a.String("direction", "in, out or setup")
			a.Uint64("ep", "endpoint number")
			a.Uint64("id", "transfer id")
		},
		Flags: func(f *grumble.Flags) {
			f.Uint("l", "length", 0, "buffer length for IN transfers")
			f.String("d", "data", "", "hex payload for OUT and SETUP transfers")
		},
		Run: func(c *grumble.Context) error {
			if active == nil {
				log.Warn().Msg("No bridge running. Use 'start' first")
				return nil
			}

			pid, err := parsePID(c.Args.String("direction"))
			if err != nil {
				log.Error().Err(err).Msg("Invalid direction")
				return nil
			}

			var data []byte
			if raw := c.Flags.String("data"); raw != "" {
				data, err = hex.DecodeString(raw)
				if err != nil {
					log.Error().Err(err).Msg("Invalid hex payload")
					return nil
				}
			}
			if pid == wire.TokenIn {
				data = make([]byte, c.Flags.Uint("length"))
			}

			p := host.track(&bridge.Packet{
				PID:  pid,
				EP:   uint8(c.Args.Uint64("ep")),
				ID:   c.Args.Uint64("id"),
				Data: data,
			})

			// HandlePacket blocks until the peer answers, so the console
			// submits from a goroutine and reports by log.
			go func() {
				active.HandlePacket(p)
				host.resolved(p)
			}()

			log.Info().
				Str("direction", wire.TokenName(p.PID)).
				Uint8("ep", p.EP).
				Uint64("id", p.ID).
				Msg("Transfer submitted")
			return nil
		},
	})
	// Command to cancel an outstanding transfer
	app.AddCommand(&grumble.Command{
		Name: "cancel",
		Help: "cancel an outstanding transfer",
		Args: func(a *grumble.Args) {
			a.String("direction", "in, out or setup")
			a.Uint64("ep", "endpoint number")
			a.Uint64("id", "transfer id")
		},
		Run: func(c *grumble.Context) error {
			if active == nil {
				log.Warn().Msg("No bridge running")
				return nil
			}

			pid, err := parsePID(c.Args.String("direction"))
			if err != nil {
				log.Error().Err(err).Msg("Invalid direction")
				return nil
			}

			p := host.FindPacket(pid, uint8(c.Args.Uint64("ep")), c.Args.Uint64("id"))
			if p == nil {
				log.Warn().Msg("No such transfer")
				return nil
			}

			p.SetState(bridge.StateCanceled)
			active.CancelPacket(p)
			log.Info().Uint64("id", p.ID).Msg("Cancel issued")
			return nil
		},
	})
	// Command to push a bus reset to the peer
	app.AddCommand(&grumble.Command{
		Name: "reset",
		Help: "force a bus reset on the remote device",
		Run: func(c *grumble.Context) error {
			if active == nil {
				log.Warn().Msg("No bridge running")
				return nil
			}
			active.HandleReset()
			log.Info().Msg("Bus reset sent")
			return nil
		},
	})
	// Command to stop the bridge
	app.AddCommand(&grumble.Command{
		Name: "stop",
		Help: "stop the bridge and disconnect the peer",
		Run: func(c *grumble.Context) error {
			if active == nil {
				log.Warn().Msg("No bridge running")
				return nil
			}
			active.Stop()
			active = nil
			log.Info().Msg("Bridge stopped")
			return nil
		},
	})
}

// main is the entry point for the console.
func main() {
	configureLogging()

	app := setupCLI()
	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface.
func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".remoteusb"
	} else {
		histFile = filepath.Join(home, ".remoteusb")
	}

	app := grumble.New(&grumble.Config{
		Name:        "remoteusb",
		HistoryFile: histFile,
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	return app
}

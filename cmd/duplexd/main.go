package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
)

var CLI struct {
	Serve ServeCommand      `cmd:"" default:"withargs" help:"Serve the demo application over HTTP/1.1 and h2c."`
	Man   mangokong.ManFlag `help:"Write man page." hidden:""`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Groups(map[string]string{
			"http2":  `HTTP/2 flags:`,
			"report": `Reporting flags:`,
		}),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`duplex stream server

duplexd serves a demo application over HTTP/1.1 keep-alive connections and h2c streams on one port.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}

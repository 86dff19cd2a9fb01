package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/bundler/cmd/bundler/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Build   commands.BuildCmd `cmd:"" help:"Build the bundle once and exit"`
		Watch   commands.WatchCmd `cmd:"" help:"Build and rebuild incrementally on file changes"`
		Serve   commands.ServeCmd `cmd:"" help:"Watch and serve the output with the dev server"`
		Debug   bool              `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Description("Bundle JavaScript and stylesheets for the browser."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}

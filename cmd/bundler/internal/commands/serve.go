package commands

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/bundler/internal/assets"
	"github.com/wolfeidau/bundler/internal/devserver"
	"github.com/wolfeidau/bundler/internal/watch"
)

type ServeCmd struct {
	ProjectFlags
	Port int `help:"Dev server port, overrides the configuration file." env:"BUNDLER_PORT"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := c.load(globals, c.Port)
	if err != nil {
		return err
	}
	defer c.telemetry(ctx, globals)()

	pipeline, err := assets.New(cfg)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	// The server registers its live reload hook, so it must exist before
	// the first build.
	server, err := devserver.New(cfg, pipeline)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watch.New(pipeline, cfg).Run(ctx) })
	g.Go(func() error { return server.ListenAndServe(ctx) })
	return g.Wait()
}

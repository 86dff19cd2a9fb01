package commands

import (
	"context"

	"github.com/wolfeidau/bundler/internal/assets"
	"github.com/wolfeidau/bundler/internal/watch"
)

type WatchCmd struct {
	ProjectFlags
}

func (c *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := c.load(globals, 0)
	if err != nil {
		return err
	}
	defer c.telemetry(ctx, globals)()

	pipeline, err := assets.New(cfg)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	return watch.New(pipeline, cfg).Run(ctx)
}

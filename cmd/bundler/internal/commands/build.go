package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/bundler/internal/assets"
	"github.com/wolfeidau/bundler/internal/emit"
)

type BuildCmd struct {
	ProjectFlags
}

func (c *BuildCmd) Run(ctx context.Context, globals *Globals) error {
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

	res, err := pipeline.Build(ctx)
	if err != nil {
		var buildErr *assets.BuildError
		if errors.As(err, &buildErr) {
			resolution, load := buildErr.Diagnostics.Counts()
			return fmt.Errorf("build failed with %d resolution and %d loader errors", resolution, load)
		}
		return fmt.Errorf("build failed: %w", err)
	}

	for _, a := range res.Artifacts {
		log.Info().
			Str("chunk", a.Chunk).
			Str("file", a.Filename).
			Int("size", a.Size).
			Int("modules", len(a.Modules)).
			Msg("Emitted")
	}
	if len(res.Files(emit.KindJS)) == 0 {
		log.Warn().Msg("No scripts were emitted")
	}
	return nil
}

package commands

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/logger"
	"github.com/wolfeidau/bundler/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
}

// ProjectFlags are shared by every command that runs the pipeline.
type ProjectFlags struct {
	Config  string  `help:"Path to the configuration file." default:"bundler.yaml" type:"path" env:"BUNDLER_CONFIG"`
	Mode    string  `help:"Build mode (development or production), overrides the configuration file." env:"BUNDLER_MODE"`
	Output  string  `help:"Output directory, overrides the configuration file." type:"path"`
	Tracing bool    `help:"Export traces and metrics over OTLP." env:"BUNDLER_TRACING"`
	Sample  float64 `help:"Fraction of build passes to trace." default:"1"`
}

// load sets up logging and reads the configuration. A missing default
// configuration file falls back to building ./index.js from the working
// directory.
func (p ProjectFlags) load(globals *Globals, port int) (config.Config, error) {
	log.Logger = logger.Setup(globals.Debug)

	path := p.Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("config", path).Msg("Configuration file not found, using defaults")
		path = ""
	}

	cfg, err := config.Load(path, config.Overrides{
		Root:      ".",
		Mode:      config.Mode(p.Mode),
		OutputDir: p.Output,
		Port:      port,
	})
	if err != nil {
		return config.Config{}, err
	}

	log.Info().
		Str("version", globals.Version).
		Str("mode", string(cfg.Mode)).
		Str("context", cfg.Context).
		Str("output", cfg.Output.Dir).
		Msg("Starting bundler")

	return cfg, nil
}

// telemetry starts the OTLP exporters when tracing is enabled and returns a
// function that flushes them.
func (p ProjectFlags) telemetry(ctx context.Context, globals *Globals) func() {
	if !p.Tracing {
		return func() {}
	}

	log.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Options{
		ServiceName: "bundler",
		Version:     globals.Version,
		SampleRatio: p.Sample,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

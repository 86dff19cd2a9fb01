package plugin

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
	consolestream "github.com/wolfeidau/console-stream"
	"gopkg.in/yaml.v3"
)

type ExecOptions struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// IgnoreFailure logs a non-zero exit instead of failing the build.
	IgnoreFailure bool `yaml:"ignoreFailure"`
}

// execCommand runs a command after each emit, streaming its output to the log.
// The build id, mode and output directory are passed in the environment.
type execCommand struct {
	opts ExecOptions
	cfg  config.Config
}

func newExec(node yaml.Node, cfg config.Config) (Plugin, error) {
	var opts ExecOptions
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	if opts.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	return &execCommand{opts: opts, cfg: cfg}, nil
}

func (e *execCommand) Name() string { return "exec" }

func (e *execCommand) PostEmit(ctx context.Context, res *emit.Result) error {
	env := map[string]string{
		"BUNDLER_BUILD_ID":   res.BuildID,
		"BUNDLER_MODE":       string(e.cfg.Mode),
		"BUNDLER_OUTPUT_DIR": e.cfg.Output.Dir,
	}
	maps.Copy(env, e.opts.Env)

	process := consolestream.NewProcess(e.opts.Command, e.opts.Args,
		consolestream.WithPipeMode(),
		consolestream.WithFlushInterval(100*time.Millisecond),
		consolestream.WithEnvMap(env),
	)

	logger := log.With().Str("command", e.opts.Command).Str("build_id", res.BuildID).Logger()

	var lastError error
	for event, err := range process.ExecuteAndStream(ctx) {
		if err != nil {
			lastError = err
			break
		}

		switch ev := event.Event.(type) {
		case *consolestream.ProcessStart:
			logger.Debug().Int("pid", ev.PID).Msg("Command started")
		case *consolestream.OutputData:
			for _, line := range bytes.Split(bytes.TrimRight(ev.Data, "\n"), []byte("\n")) {
				logger.Info().Msg(strings.TrimRight(string(line), "\r"))
			}
		case *consolestream.ProcessEnd:
			logger.Info().Int("exit_code", ev.ExitCode).Dur("duration", ev.Duration).Msg("Command finished")
			if ev.ExitCode != 0 && !e.opts.IgnoreFailure {
				return fmt.Errorf("%s exited with code %d", e.opts.Command, ev.ExitCode)
			}
		}
	}

	if lastError != nil {
		return fmt.Errorf("%s failed: %w", e.opts.Command, lastError)
	}
	return nil
}

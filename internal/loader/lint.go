package loader

import (
	"context"
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"gopkg.in/yaml.v3"
)

// LintOptions configures the lint stage.
type LintOptions struct {
	// FailOnWarning turns any warning into a module failure.
	FailOnWarning bool `yaml:"failOnWarning"`
}

// lintLoader parses the raw source and reports problems without changing it.
type lintLoader struct {
	opts LintOptions
}

func newLintLoader(node yaml.Node, _ config.Config) (Loader, error) {
	var opts LintOptions
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	return &lintLoader{opts: opts}, nil
}

func (l *lintLoader) Name() string { return "lint" }

func (l *lintLoader) Kinds() (Kind, Kind) { return KindAny, KindAny }

func (l *lintLoader) Load(_ context.Context, src *Source) (*Source, error) {
	result := api.Transform(string(src.Code), api.TransformOptions{
		Loader:     scriptLoader(src.ID.Ext()),
		Sourcefile: src.ID.Path,
	})
	if len(result.Errors) > 0 {
		return nil, messagesError(result.Errors)
	}
	for _, w := range result.Warnings {
		log.Warn().Str("module", src.ID.String()).Msg(formatMessage(w))
	}
	if l.opts.FailOnWarning && len(result.Warnings) > 0 {
		return nil, fmt.Errorf("%d lint warning(s): %w", len(result.Warnings), messagesError(result.Warnings))
	}
	return src, nil
}

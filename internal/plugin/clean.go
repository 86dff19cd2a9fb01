package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"gopkg.in/yaml.v3"
)

type CleanOptions struct {
	// Keep lists glob patterns, relative to the output directory, that are not removed.
	Keep []string `yaml:"keep"`
}

// clean empties the output directory before the first build of a process.
type clean struct {
	dir  string
	keep []string
}

func newClean(node yaml.Node, cfg config.Config) (Plugin, error) {
	var opts CleanOptions
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	if within(cfg.Context, cfg.Output.Dir) {
		return nil, fmt.Errorf("refusing to clean %s: it contains the project root", cfg.Output.Dir)
	}
	for _, pattern := range opts.Keep {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid keep pattern %q: %w", pattern, err)
		}
	}
	return &clean{dir: cfg.Output.Dir, keep: opts.Keep}, nil
}

func (c *clean) Name() string { return "clean" }

func (c *clean) PreBuild(_ context.Context, first bool) error {
	if !first {
		return nil
	}
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read output dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if c.kept(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		removed++
	}
	log.Info().Str("dir", c.dir).Int("removed", removed).Msg("Cleaned output directory")
	return nil
}

func (c *clean) kept(name string) bool {
	for _, pattern := range c.keep {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// within reports whether path is dir or lies inside it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && (rel == "." || !strings.HasPrefix(rel, ".."))
}

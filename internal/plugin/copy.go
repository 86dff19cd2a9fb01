package plugin

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
	"gopkg.in/yaml.v3"
)

type CopyPattern struct {
	// From is a file or glob relative to the project root.
	From string `yaml:"from"`
	// To is a directory relative to the output directory; defaults to its root.
	To string `yaml:"to"`
}

type CopyOptions struct {
	Patterns []CopyPattern `yaml:"patterns"`
}

// copyFiles copies static files, such as a favicon, next to the artifacts.
type copyFiles struct {
	cfg      config.Config
	patterns []CopyPattern
}

func newCopy(node yaml.Node, cfg config.Config) (Plugin, error) {
	var opts CopyOptions
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	for _, p := range opts.Patterns {
		if p.From == "" {
			return nil, fmt.Errorf("copy pattern needs a from path")
		}
		if _, err := filepath.Match(p.From, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p.From, err)
		}
		if p.To != "" && !filepath.IsLocal(p.To) {
			return nil, fmt.Errorf("destination %q must be inside the output directory", p.To)
		}
	}
	return &copyFiles{cfg: cfg, patterns: opts.Patterns}, nil
}

func (c *copyFiles) Name() string { return "copy" }

func (c *copyFiles) match(p CopyPattern) ([]string, error) {
	matches, err := filepath.Glob(c.cfg.Path(p.From))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no files match %q", p.From)
	}
	return matches, nil
}

func (c *copyFiles) PostEmit(ctx context.Context, _ *emit.Result) error {
	for _, p := range c.patterns {
		matches, err := c.match(p)
		if err != nil {
			return err
		}
		for _, src := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			dst := filepath.Join(c.cfg.Output.Dir, p.To, filepath.Base(src))
			if err := copyFile(src, dst); err != nil {
				return err
			}
			log.Debug().Str("from", src).Str("to", dst).Msg("Copied file")
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

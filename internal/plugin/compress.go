package plugin

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type CompressOptions struct {
	// Algorithms is any of "gzip" and "zstd".
	Algorithms []string `yaml:"algorithms"`
	// MinSize skips artifacts smaller than this many bytes.
	MinSize int `yaml:"minSize"`
}

var compressExt = map[string]string{
	"gzip": ".gz",
	"zstd": ".zst",
}

// compress writes precompressed siblings of each artifact so a static file
// server can negotiate Content-Encoding without compressing per request.
type compress struct {
	dir         string
	algorithms  []string
	minSize     int
	concurrency int
}

func newCompress(node yaml.Node, cfg config.Config) (Plugin, error) {
	opts := CompressOptions{Algorithms: []string{"gzip", "zstd"}, MinSize: 1024}
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	for _, a := range opts.Algorithms {
		if _, ok := compressExt[a]; !ok {
			return nil, fmt.Errorf("unknown algorithm %q", a)
		}
	}
	return &compress{
		dir:         cfg.Output.Dir,
		algorithms:  opts.Algorithms,
		minSize:     opts.MinSize,
		concurrency: max(cfg.Concurrency, 1),
	}, nil
}

func (c *compress) Name() string { return "compress" }

func (c *compress) PostEmit(ctx context.Context, res *emit.Result) error {
	// Siblings of artifacts the emitter removed are stale too.
	for _, f := range res.Removed {
		for _, a := range c.algorithms {
			_ = os.Remove(filepath.Join(c.dir, f+compressExt[a]))
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.concurrency)
	for _, art := range res.Artifacts {
		if art.Size < c.minSize {
			continue
		}
		for _, a := range c.algorithms {
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return c.write(filepath.Join(c.dir, art.Filename), a)
			})
		}
	}
	return eg.Wait()
}

func (c *compress) write(path, algorithm string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer src.Close()

	target := path + compressExt[algorithm]
	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	enc, err := encoder(dst, algorithm)
	if err != nil {
		_ = dst.Close()
		return err
	}

	written, err := io.Copy(enc, src)
	if err == nil {
		err = enc.Close()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}

	log.Debug().Str("artifact", target).Int64("input_size", written).Msg("Compressed artifact")
	return nil
}

func encoder(w io.Writer, algorithm string) (io.WriteCloser, error) {
	switch algorithm {
	case "gzip":
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case "zstd":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	default:
		return nil, fmt.Errorf("unknown algorithm %q", algorithm)
	}
}

// Package emit serializes a dependency graph into output artifacts: one
// script per entry point plus a stylesheet when the chunk extracted styles.
// Output is a pure function of the graph and configuration, so identical
// inputs produce byte-identical files and hashes.
package emit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/graph"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrIncomplete is returned when the graph still has unresolved or failed modules.
	ErrIncomplete = errors.New("graph has errors")
)

const (
	KindJS  = "js"
	KindCSS = "css"
)

// EmissionError reports a failure to produce or write an output file.
type EmissionError struct {
	Path string
	Err  error
}

func (e *EmissionError) Error() string {
	return fmt.Sprintf("emit %s: %v", e.Path, e.Err)
}

func (e *EmissionError) Unwrap() error {
	return e.Err
}

// Artifact is one output file.
type Artifact struct {
	Chunk string
	Kind  string
	// Filename is relative to the output directory.
	Filename string
	Hash     string
	Size     int
	// Modules lists the chunk's modules relative to the project root, in emission order.
	Modules []string
	Content []byte
}

// Result describes a completed emission.
type Result struct {
	BuildID   string
	Artifacts []Artifact
	// Removed lists stale files from the previous build that were deleted.
	Removed []string
}

// Files returns the artifact filenames of the given kind in chunk order.
func (r *Result) Files(kind string) []string {
	var files []string
	for _, a := range r.Artifacts {
		if a.Kind == kind {
			files = append(files, a.Filename)
		}
	}
	return files
}

// Bytes returns the total size of the artifacts.
func (r *Result) Bytes() int {
	n := 0
	for _, a := range r.Artifacts {
		n += a.Size
	}
	return n
}

type Emitter struct {
	cfg config.Config
}

func New(cfg config.Config) *Emitter {
	return &Emitter{cfg: cfg}
}

// Render produces the artifacts for g without touching the filesystem.
func (e *Emitter) Render(g *graph.Graph) ([]Artifact, error) {
	var artifacts []Artifact
	owners := map[string]string{}
	if e.cfg.Output.Manifest != "" {
		owners[e.cfg.Output.Manifest] = "manifest"
	}

	add := func(a Artifact) error {
		if owner, ok := owners[a.Filename]; ok {
			return &EmissionError{Path: a.Filename, Err: fmt.Errorf("filename is already used by %s", owner)}
		}
		owners[a.Filename] = a.Chunk
		artifacts = append(artifacts, a)
		return nil
	}

	for _, entry := range g.Entries() {
		var mods []*graph.Module
		var styles [][]byte
		var incomplete *graph.Module
		graph.Walk(entry.Module, func(m *graph.Module) {
			if m.State != graph.StateLoaded && incomplete == nil {
				incomplete = m
			}
			mods = append(mods, m)
		}, func(m *graph.Module) {
			if m.Source != nil {
				styles = append(styles, m.Source.Styles...)
			}
		})
		if incomplete != nil {
			return nil, fmt.Errorf("%w: chunk %s: module %s is %s", ErrIncomplete, entry.Name, incomplete.ID, incomplete.State)
		}

		names := make([]string, 0, len(mods))
		for _, m := range mods {
			names = append(names, e.relative(m))
		}

		if err := add(e.artifact(entry.Name, KindJS, e.cfg.Output.Filename, e.script(mods), names)); err != nil {
			return nil, err
		}
		if len(styles) > 0 {
			css := bytes.Join(styles, []byte("\n"))
			if err := add(e.artifact(entry.Name, KindCSS, e.cfg.Output.CSSFilename, css, names)); err != nil {
				return nil, err
			}
		}
	}
	return artifacts, nil
}

func (e *Emitter) artifact(chunk, kind, tmpl string, content []byte, modules []string) Artifact {
	return Artifact{
		Chunk:    chunk,
		Kind:     kind,
		Filename: filename(tmpl, chunk, "."+kind, content, e.cfg.Output.HashLength, e.cfg.Output.HashEncoding),
		Hash:     contentHash(content, "hex"),
		Size:     len(content),
		Modules:  modules,
		Content:  content,
	}
}

// Emit renders g and writes the artifacts and manifest to the output
// directory. With hashed filenames, files recorded by the previous
// manifest that this build no longer produces are deleted first.
func (e *Emitter) Emit(ctx context.Context, g *graph.Graph) (*Result, error) {
	if diags := g.Diagnostics(); len(diags) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, diags.Err())
	}

	artifacts, err := e.Render(g)
	if err != nil {
		return nil, err
	}

	dir := e.cfg.Output.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &EmissionError{Path: dir, Err: err}
	}

	res := &Result{BuildID: buildID(e.cfg.Mode, artifacts), Artifacts: artifacts}

	if e.cfg.Output.Hashed() {
		removed, err := e.removeStale(artifacts)
		if err != nil {
			return nil, err
		}
		res.Removed = removed
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(e.cfg.Concurrency, 1))
	for _, a := range artifacts {
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			return writeFile(filepath.Join(dir, a.Filename), a.Content)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if e.cfg.Output.Manifest != "" {
		if err := e.writeManifest(res); err != nil {
			return nil, err
		}
	}

	for _, a := range artifacts {
		log.Debug().Str("artifact", a.Filename).Int("size", a.Size).Int("modules", len(a.Modules)).Msg("Wrote artifact")
	}
	return res, nil
}

// buildNamespace scopes build ids derived with uuid.NewSHA1.
var buildNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/wolfeidau/bundler/build"))

// buildID derives the id from the emitted output, so identical inputs
// produce an identical output directory, manifest included.
func buildID(mode config.Mode, artifacts []Artifact) string {
	var b bytes.Buffer
	b.WriteString(string(mode))
	for _, a := range artifacts {
		b.WriteByte(0)
		b.WriteString(a.Filename)
		b.WriteByte(0)
		b.Write(a.Content)
	}
	return uuid.NewSHA1(buildNamespace, b.Bytes()).String()
}

// removeStale deletes files listed in the previous manifest that are not
// part of artifacts.
func (e *Emitter) removeStale(artifacts []Artifact) ([]string, error) {
	prev, err := ReadManifest(e.cfg.Output)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable manifest, stale artifacts are kept")
		return nil, nil
	}
	if prev == nil {
		return nil, nil
	}

	current := map[string]bool{}
	for _, a := range artifacts {
		current[a.Filename] = true
	}

	var removed []string
	for _, f := range prev.Files {
		if current[f] || !filepath.IsLocal(f) {
			continue
		}
		path := filepath.Join(e.cfg.Output.Dir, f)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, &EmissionError{Path: path, Err: err}
		}
		removed = append(removed, f)
	}
	return removed, nil
}

func (e *Emitter) relative(m *graph.Module) string {
	rel, err := filepath.Rel(e.cfg.Context, m.ID.Path)
	if err != nil {
		rel = m.ID.Path
	}
	rel = filepath.ToSlash(rel)
	if m.ID.Query != "" {
		rel += "?" + m.ID.Query
	}
	return rel
}

// writeFile replaces path atomically so a dev server never serves a
// partially written artifact.
func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &EmissionError{Path: path, Err: err}
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".emit-*")
	if err != nil {
		return &EmissionError{Path: path, Err: err}
	}
	tmp := f.Name()
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &EmissionError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return &EmissionError{Path: path, Err: err}
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return &EmissionError{Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &EmissionError{Path: path, Err: err}
	}
	return nil
}

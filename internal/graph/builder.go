package graph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/loader"
	"github.com/wolfeidau/bundler/internal/resolve"
)

// Resolver maps a specifier imported from fromDir to a module identity.
type Resolver interface {
	Resolve(specifier, fromDir string) (resolve.Identity, error)
}

// Transformer runs the loader pipeline for a module.
type Transformer interface {
	Apply(ctx context.Context, src *loader.Source) (*loader.Source, error)
}

type Options struct {
	// Root is the directory entry points are resolved from.
	Root string
	// Concurrency bounds the number of modules loaded at once.
	Concurrency int
}

// Builder constructs and incrementally updates dependency graphs.
type Builder struct {
	resolver Resolver
	rules    Transformer
	opts     Options
}

func NewBuilder(resolver Resolver, rules Transformer, opts Options) *Builder {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Builder{resolver: resolver, rules: rules, opts: opts}
}

// Build resolves the entries and loads everything reachable from them.
// Per-module failures are returned as diagnostics; the error is reserved
// for cancellation.
func (b *Builder) Build(ctx context.Context, entries config.Entries) (*Graph, Diagnostics, error) {
	g := newGraph()
	g.specs = slices.Clone(entries)

	g.mu.Lock()
	b.resolveEntries(g)
	var queue []*Module
	for _, e := range g.entries {
		if !slices.Contains(queue, e.Module) {
			queue = append(queue, e.Module)
		}
	}
	g.mu.Unlock()

	if _, err := b.run(ctx, g, queue); err != nil {
		return nil, nil, err
	}
	g.mu.Lock()
	g.prune()
	g.mu.Unlock()

	return g, g.Diagnostics(), nil
}

// resolveEntries maps the configured entry points onto modules of g,
// interning new ones in the pending state. An entry that no longer
// resolves, for example because its file was deleted, is left out and
// recorded as a diagnostic. Must be called with g.mu held.
func (b *Builder) resolveEntries(g *Graph) {
	g.entries = nil
	g.entryErrs = nil
	for _, entry := range g.specs {
		id, err := b.resolver.Resolve(entry.Path, b.opts.Root)
		if err != nil {
			g.entryErrs = append(g.entryErrs, &ResolutionError{Specifier: entry.Path, Err: err})
			continue
		}
		m, _ := g.intern(id)
		g.entries = append(g.entries, EntryPoint{Name: entry.Name, Module: m})
	}
}

// RebuildStats describes the work done by an incremental pass.
type RebuildStats struct {
	// Invalidated is the number of modules marked stale by the changes.
	Invalidated int
	// Reloaded lists the modules re-run through their loader pipeline, sorted.
	Reloaded []resolve.Identity
	// Removed is the number of modules dropped from the graph.
	Removed int
	// Unchanged lists changed paths whose content matched the previous load.
	Unchanged []string
}

// Rebuild applies file changes to g. Each changed module and its
// transitive importers are invalidated and reloaded; all other modules are
// kept as they are. When ctx is cancelled the pass stops dispatching work,
// discards results still in flight and leaves the affected modules stale so
// the next Rebuild picks them up.
func (b *Builder) Rebuild(ctx context.Context, g *Graph, changed []string) (RebuildStats, Diagnostics, error) {
	var stats RebuildStats
	marked := map[*Module]bool{}

	g.mu.Lock()
	for _, path := range changed {
		mods := g.byPath(path)
		if len(mods) == 0 {
			continue
		}
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			for _, m := range mods {
				for _, imp := range m.Importers() {
					markStale(imp, marked)
				}
				delete(marked, m)
				g.remove(m)
				stats.Removed++
			}
			continue
		}
		if err == nil && mods[0].State == StateLoaded && checksum(raw) == mods[0].Checksum {
			stats.Unchanged = append(stats.Unchanged, path)
			continue
		}
		for _, m := range mods {
			markStale(m, marked)
		}
	}
	// Entries are resolved again so a deleted entry is reported and one
	// that was missing on an earlier pass is picked up once it exists.
	b.resolveEntries(g)

	// Modules with unresolved imports are retried since a change may have
	// created the missing file.
	for _, m := range g.modules {
		if hasResolutionError(m) {
			markStale(m, marked)
		}
	}
	stats.Invalidated = len(marked)

	var queue []*Module
	for _, m := range g.modules {
		switch m.State {
		case StatePending, StateLoading, StateStale:
			queue = append(queue, m)
		}
	}
	g.mu.Unlock()

	sortModules(queue)

	reloaded, err := b.run(ctx, g, queue)
	stats.Reloaded = reloaded
	if err != nil {
		return stats, nil, err
	}

	g.mu.Lock()
	stats.Removed += g.prune()
	g.mu.Unlock()

	return stats, g.Diagnostics(), nil
}

// loadResult is the outcome of loading one module, produced by a worker.
type loadResult struct {
	module *Module
	raw    []byte
	sum    uint64
	src    *loader.Source
	deps   []resolvedImport
	errs   []error
}

type resolvedImport struct {
	specifier string
	id        resolve.Identity
}

// run loads queued modules with bounded parallelism. Workers only read and
// transform; the graph is mutated on this goroutine as results arrive, so
// a newly discovered identity is interned exactly once and enters the
// loading state before it is queued.
func (b *Builder) run(ctx context.Context, g *Graph, queue []*Module) ([]resolve.Identity, error) {
	results := make(chan loadResult)
	inflight := 0
	var loaded []resolve.Identity

	g.mu.Lock()
	for _, m := range queue {
		m.State = StateLoading
	}
	g.mu.Unlock()

	for len(queue) > 0 || inflight > 0 {
		for len(queue) > 0 && inflight < b.opts.Concurrency && ctx.Err() == nil {
			m := queue[0]
			queue = queue[1:]
			inflight++
			go func(m *Module) {
				results <- b.load(ctx, m.ID)
			}(m)
		}
		if inflight == 0 {
			break
		}

		res := <-results
		inflight--

		if ctx.Err() != nil {
			g.mu.Lock()
			res.module = g.modules[res.module.ID]
			if res.module != nil {
				res.module.State = StateStale
			}
			g.mu.Unlock()
			continue
		}

		g.mu.Lock()
		next := g.apply(res)
		g.mu.Unlock()

		loaded = append(loaded, res.module.ID)
		queue = append(queue, next...)
	}

	if ctx.Err() != nil {
		g.mu.Lock()
		for _, m := range queue {
			m.State = StateStale
		}
		g.mu.Unlock()
	}

	slices.SortFunc(loaded, compareIdentity)
	return loaded, ctx.Err()
}

// load reads and transforms one module and resolves its imports. It does
// not touch the graph.
func (b *Builder) load(ctx context.Context, id resolve.Identity) loadResult {
	res := loadResult{module: &Module{ID: id}}

	raw, err := os.ReadFile(id.Path)
	if err != nil {
		res.errs = append(res.errs, &LoaderError{Module: id, Err: err})
		return res
	}
	res.raw = raw
	res.sum = checksum(raw)

	src, err := b.rules.Apply(ctx, &loader.Source{ID: id, Code: raw})
	if err != nil {
		res.errs = append(res.errs, &LoaderError{Module: id, Err: err})
		return res
	}
	res.src = src

	dir := filepath.Dir(id.Path)
	for _, spec := range src.Imports {
		dep, err := b.resolver.Resolve(spec, dir)
		if err != nil {
			res.errs = append(res.errs, &ResolutionError{Importer: id, Specifier: spec, Err: err})
			continue
		}
		res.deps = append(res.deps, resolvedImport{specifier: spec, id: dep})
	}
	return res
}

// apply stores a load result on its module and returns the newly
// discovered modules that need loading. Callers hold g.mu.
func (g *Graph) apply(res loadResult) []*Module {
	m, ok := g.modules[res.module.ID]
	if !ok {
		// Removed while the load was in flight.
		return nil
	}
	res.module = m

	m.errs = res.errs
	if res.src == nil {
		m.State = StateFailed
		m.Raw, m.Checksum, m.Source = res.raw, res.sum, nil
		g.link(m, nil)
		log.Debug().Str("module", m.ID.String()).Msg("Module failed to load")
		return nil
	}

	m.Raw, m.Checksum, m.Source = res.raw, res.sum, res.src
	m.State = StateLoaded

	var next []*Module
	edges := make([]Edge, 0, len(res.deps))
	for _, dep := range res.deps {
		target, created := g.intern(dep.id)
		if created {
			target.State = StateLoading
			next = append(next, target)
		}
		edges = append(edges, Edge{Specifier: dep.specifier, Target: target})
	}
	g.link(m, edges)

	log.Debug().Str("module", m.ID.String()).Int("imports", len(edges)).Msg("Module loaded")
	return next
}

// intern returns the module for id, creating it when absent.
func (g *Graph) intern(id resolve.Identity) (*Module, bool) {
	if m, ok := g.modules[id]; ok {
		return m, false
	}
	m := &Module{ID: id, importers: map[*Module]struct{}{}}
	g.modules[id] = m
	return m, true
}

func hasResolutionError(m *Module) bool {
	for _, err := range m.errs {
		var re *ResolutionError
		if errors.As(err, &re) {
			return true
		}
	}
	return false
}

func checksum(raw []byte) uint64 {
	h := crc64nvme.New()
	_, _ = h.Write(raw)
	return h.Sum64()
}

func compareIdentity(a, b resolve.Identity) int {
	return strings.Compare(a.String(), b.String())
}

func (s RebuildStats) String() string {
	return fmt.Sprintf("invalidated=%d reloaded=%d removed=%d unchanged=%d",
		s.Invalidated, len(s.Reloaded), s.Removed, len(s.Unchanged))
}

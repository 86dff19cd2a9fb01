// Package graph builds the module dependency graph: entry points are
// resolved, loaded through the loader rules and followed through their
// imports until no undiscovered modules remain.
package graph

import (
	"slices"
	"strings"
	"sync"

	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/loader"
	"github.com/wolfeidau/bundler/internal/resolve"
)

// State is the load state of a module.
type State int

const (
	StatePending State = iota
	StateLoading
	StateLoaded
	StateFailed
	StateStale
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Edge is a dependency from one module to another, keeping the specifier
// that was written in the importing source.
type Edge struct {
	Specifier string
	Target    *Module
}

// Module is a node in the graph. There is exactly one Module per identity.
type Module struct {
	ID resolve.Identity
	// Raw is the file content as read from disk.
	Raw []byte
	// Checksum fingerprints Raw so unchanged files are not reloaded.
	Checksum uint64
	// Source is the output of the loader pipeline.
	Source *loader.Source
	// Edges are the module's resolved imports in source order.
	Edges []Edge
	State State

	errs      []error
	importers map[*Module]struct{}
}

// Importers returns the modules that import m, ordered by identity.
func (m *Module) Importers() []*Module {
	out := make([]*Module, 0, len(m.importers))
	for imp := range m.importers {
		out = append(out, imp)
	}
	sortModules(out)
	return out
}

// Errors returns the diagnostics recorded for the module's last load.
func (m *Module) Errors() []error {
	return slices.Clone(m.errs)
}

// EntryPoint is a named root of the graph.
type EntryPoint struct {
	Name   string
	Module *Module
}

// Graph maps identities to modules. Access from a build pass is
// coordinated by the builder; readers use the accessors.
type Graph struct {
	mu sync.RWMutex
	// specs are the configured entry points, resolved again on every pass.
	specs   config.Entries
	entries []EntryPoint
	modules map[resolve.Identity]*Module
	// entryErrs holds diagnostics for entries that could not be resolved.
	entryErrs []error
}

func newGraph() *Graph {
	return &Graph{modules: map[resolve.Identity]*Module{}}
}

// Entries returns the entry points in configuration order.
func (g *Graph) Entries() []EntryPoint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.entries)
}

// Module returns the module for id.
func (g *Graph) Module(id resolve.Identity) (*Module, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.modules[id]
	return m, ok
}

// Len returns the number of modules in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.modules)
}

// Modules returns every module ordered by identity.
func (g *Graph) Modules() []*Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Module, 0, len(g.modules))
	for _, m := range g.modules {
		out = append(out, m)
	}
	sortModules(out)
	return out
}

// Files returns the distinct file paths backing the graph, sorted.
func (g *Graph) Files() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]bool{}
	var files []string
	for id := range g.modules {
		if !seen[id.Path] {
			seen[id.Path] = true
			files = append(files, id.Path)
		}
	}
	slices.Sort(files)
	return files
}

// Walk visits the modules reachable from root depth-first in edge order,
// calling pre before a module's dependencies and post after them. Each
// module is visited once, so cycles terminate. Either callback may be nil.
func Walk(root *Module, pre, post func(*Module)) {
	seen := map[*Module]bool{}
	var visit func(m *Module)
	visit = func(m *Module) {
		if seen[m] {
			return
		}
		seen[m] = true
		if pre != nil {
			pre(m)
		}
		for _, e := range m.Edges {
			visit(e.Target)
		}
		if post != nil {
			post(m)
		}
	}
	visit(root)
}

// Diagnostics returns the errors recorded on reachable modules and entries.
func (g *Graph) Diagnostics() Diagnostics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var diags Diagnostics
	diags = append(diags, g.entryErrs...)
	for _, m := range g.modules {
		diags = append(diags, m.errs...)
	}
	diags.sort()
	return diags
}

// byPath returns the modules whose file is path.
func (g *Graph) byPath(path string) []*Module {
	var out []*Module
	for id, m := range g.modules {
		if id.Path == path {
			out = append(out, m)
		}
	}
	sortModules(out)
	return out
}

// link replaces m's edges and keeps the importer sets consistent.
func (g *Graph) link(m *Module, edges []Edge) {
	for _, e := range m.Edges {
		delete(e.Target.importers, m)
	}
	m.Edges = edges
	for _, e := range edges {
		e.Target.importers[m] = struct{}{}
	}
}

// remove drops m from the graph along with its outgoing importer links.
func (g *Graph) remove(m *Module) {
	g.link(m, nil)
	delete(g.modules, m.ID)
}

// prune removes modules no longer reachable from any entry point and
// returns how many were dropped.
func (g *Graph) prune() int {
	reachable := map[*Module]bool{}
	for _, e := range g.entries {
		Walk(e.Module, func(m *Module) { reachable[m] = true }, nil)
	}
	var dropped []*Module
	for _, m := range g.modules {
		if !reachable[m] {
			dropped = append(dropped, m)
		}
	}
	for _, m := range dropped {
		g.remove(m)
	}
	return len(dropped)
}

// markStale flags m and everything that transitively imports it.
func markStale(m *Module, marked map[*Module]bool) {
	if marked[m] {
		return
	}
	marked[m] = true
	m.State = StateStale
	for imp := range m.importers {
		markStale(imp, marked)
	}
}

func sortModules(ms []*Module) {
	slices.SortFunc(ms, func(a, b *Module) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}

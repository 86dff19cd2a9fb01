// Package plugin runs side effects at fixed points of a build: before the
// graph is built and after artifacts are written. Plugins implement the
// hook interfaces they need and run in registration order.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
	"gopkg.in/yaml.v3"
)

type Plugin interface {
	Name() string
}

// PreBuildHook runs before a build pass. first is true for the initial
// build of the process.
type PreBuildHook interface {
	PreBuild(ctx context.Context, first bool) error
}

// PostEmitHook runs after a pass wrote its artifacts.
type PostEmitHook interface {
	PostEmit(ctx context.Context, res *emit.Result) error
}

// Factory creates a plugin from its YAML options.
type Factory func(opts yaml.Node, cfg config.Config) (Plugin, error)

var builtins = map[string]Factory{
	"clean":    newClean,
	"html":     newHTML,
	"copy":     newCopy,
	"compress": newCompress,
	"exec":     newExec,
}

// Names lists the built-in plugins.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds the active plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// New instantiates the plugins enabled for the configured mode.
func New(cfg config.Config) (*Registry, error) {
	r := &Registry{}
	for _, pc := range cfg.Plugins {
		if !pc.Enabled(cfg.Mode) {
			log.Debug().Str("plugin", pc.Name).Str("mode", string(cfg.Mode)).Msg("Plugin disabled in this mode")
			continue
		}
		f, ok := builtins[pc.Name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q (known: %v)", pc.Name, Names())
		}
		p, err := f(pc.Options, cfg)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
		}
		r.plugins = append(r.plugins, p)
	}
	return r, nil
}

// Add registers a plugin after the configured ones.
func (r *Registry) Add(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

func (r *Registry) list() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Plugin(nil), r.plugins...)
}

// PreBuild runs every PreBuildHook, stopping at the first error.
func (r *Registry) PreBuild(ctx context.Context, first bool) error {
	for _, p := range r.list() {
		h, ok := p.(PreBuildHook)
		if !ok {
			continue
		}
		if err := h.PreBuild(ctx, first); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

// PostEmit runs every PostEmitHook, stopping at the first error.
func (r *Registry) PostEmit(ctx context.Context, res *emit.Result) error {
	for _, p := range r.list() {
		h, ok := p.(PostEmitHook)
		if !ok {
			continue
		}
		if err := h.PostEmit(ctx, res); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

func decodeOptions(node yaml.Node, v any) error {
	if node.Kind == 0 {
		return nil
	}
	if err := node.Decode(v); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

package loader

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wolfeidau/bundler/internal/config"
	"gopkg.in/yaml.v3"
)

// Factory creates a loader from its YAML options and the build configuration.
type Factory func(opts yaml.Node, cfg config.Config) (Loader, error)

// Registry maps loader names used in rules to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in loaders registered.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register(newJSLoader, "js", "babel")
	r.Register(newLintLoader, "lint", "eslint")
	r.Register(newCSSLoader, "css")
	r.Register(newSassLoader, "sass", "scss")
	r.Register(newExtractLoader, "extract")
	r.Register(newJSONLoader, "json")
	return r
}

// Register binds a factory to one or more names, replacing earlier bindings.
func (r *Registry) Register(f Factory, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.factories[name] = f
	}
}

// New instantiates the named loader.
func (r *Registry) New(name string, opts yaml.Node, cfg config.Config) (Loader, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown loader %q (known: %v)", name, r.Names())
	}
	l, err := f(opts, cfg)
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", name, err)
	}
	return l, nil
}

// Names lists the registered loader names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeOptions decodes an options node into v; an empty node leaves v untouched.
func decodeOptions(node yaml.Node, v any) error {
	if node.Kind == 0 {
		return nil
	}
	if err := node.Decode(v); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

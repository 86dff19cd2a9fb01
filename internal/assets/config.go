package assets

import (
	"github.com/wolfeidau/bundler/internal/loader"
	"github.com/wolfeidau/bundler/internal/plugin"
)

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLoaderRegistry replaces the built-in loader registry, for example to
// add project specific loaders.
func WithLoaderRegistry(reg *loader.Registry) Option {
	return func(p *Pipeline) {
		p.registry = reg
	}
}

// WithPlugins registers plugins after the configured ones.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(p *Pipeline) {
		p.extra = append(p.extra, plugins...)
	}
}

// WithTitle sets the title of the default index page.
func WithTitle(title string) Option {
	return func(p *Pipeline) {
		p.title = title
	}
}

// Package assets ties the bundler together: it owns the resolver, loader
// rules, graph, emitter and plugins for one configuration and runs full
// and incremental build passes over them.
package assets

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"path"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
	"github.com/wolfeidau/bundler/internal/graph"
	"github.com/wolfeidau/bundler/internal/loader"
	"github.com/wolfeidau/bundler/internal/plugin"
	"github.com/wolfeidau/bundler/internal/resolve"
)

var (
	// ErrNotBuilt is returned when artifacts are requested before a successful build.
	ErrNotBuilt = errors.New("assets not built yet")
)

// Pipeline runs build passes for one configuration. Passes are serialized;
// readers of the last result may run concurrently with a pass.
type Pipeline struct {
	cfg      config.Config
	registry *loader.Registry
	extra    []plugin.Plugin
	title    string

	rules   *loader.Rules
	builder *graph.Builder
	emitter *emit.Emitter
	plugins *plugin.Registry
	page    *template.Template

	buildMu sync.Mutex
	builds  int

	mu     sync.RWMutex
	graph  *graph.Graph
	result *emit.Result
	diags  graph.Diagnostics
}

// New validates cfg and prepares a pipeline. Nothing is built until Build.
func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Pipeline{cfg: cfg, title: "bundler"}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = loader.NewRegistry()
	}

	rules, err := loader.NewRules(cfg, p.registry)
	if err != nil {
		return nil, err
	}
	plugins, err := plugin.New(cfg)
	if err != nil {
		_ = rules.Close()
		return nil, err
	}
	for _, pl := range p.extra {
		plugins.Add(pl)
	}

	resolver := resolve.New(resolve.Options{
		Alias:      cfg.Resolve.Alias,
		Extensions: cfg.Resolve.Extensions,
		MainFiles:  cfg.Resolve.MainFiles,
	})

	p.rules = rules
	p.plugins = plugins
	p.builder = graph.NewBuilder(resolver, rules, graph.Options{Root: cfg.Context, Concurrency: cfg.Concurrency})
	p.emitter = emit.New(cfg)
	p.page = template.Must(template.New("index").Parse(indexPage))
	return p, nil
}

// Config returns the configuration the pipeline was created with.
func (p *Pipeline) Config() config.Config {
	return p.cfg
}

// Plugins returns the plugin registry so hooks can be added at runtime.
func (p *Pipeline) Plugins() *plugin.Registry {
	return p.plugins
}

// Result returns the last successful emission.
func (p *Pipeline) Result() (*emit.Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.result == nil {
		return nil, ErrNotBuilt
	}
	return p.result, nil
}

// Diagnostics returns the errors of the last completed pass.
func (p *Pipeline) Diagnostics() graph.Diagnostics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.diags
}

// WatchedFiles returns the source files of the current graph.
func (p *Pipeline) WatchedFiles() []string {
	p.mu.RLock()
	g := p.graph
	p.mu.RUnlock()
	if g == nil {
		return nil
	}
	return g.Files()
}

// Scripts returns the URL paths of the chunk's scripts.
func (p *Pipeline) Scripts(chunk string) ([]string, error) {
	return p.urls(chunk, emit.KindJS)
}

// Styles returns the URL paths of the chunk's stylesheets.
func (p *Pipeline) Styles(chunk string) ([]string, error) {
	return p.urls(chunk, emit.KindCSS)
}

func (p *Pipeline) urls(chunk, kind string) ([]string, error) {
	res, err := p.Result()
	if err != nil {
		return nil, err
	}
	urls := []string{}
	found := false
	for _, a := range res.Artifacts {
		if a.Chunk != chunk {
			continue
		}
		found = true
		if a.Kind == kind {
			urls = append(urls, path.Join("/", a.Filename))
		}
	}
	if !found {
		return nil, fmt.Errorf("chunk %q not found in build output", chunk)
	}
	return urls, nil
}

const indexPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{range .Styles}}<link rel="stylesheet" href="{{.}}">
{{end}}</head>
<body>
{{range .Scripts}}<script src="{{.}}"></script>
{{end}}{{if .LiveReload}}<script>{{.LiveReload}}</script>
{{end}}</body>
</html>
`

// Handler renders a page that loads every chunk, used when the output has no
// page of its own.
func (p *Pipeline) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := p.Result()
		if err != nil {
			http.Error(w, "Build in progress or failed, check the bundler output", http.StatusServiceUnavailable)
			return
		}

		data := struct {
			Title      string
			Styles     []string
			Scripts    []string
			LiveReload template.JS
		}{Title: p.title}
		for _, a := range res.Artifacts {
			switch a.Kind {
			case emit.KindCSS:
				data.Styles = append(data.Styles, path.Join("/", a.Filename))
			case emit.KindJS:
				data.Scripts = append(data.Scripts, path.Join("/", a.Filename))
			}
		}
		if p.cfg.Mode == config.Development && p.cfg.DevServer.LiveReload {
			data.LiveReload = template.JS(plugin.LiveReloadScript) //nolint:gosec
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := p.page.Execute(w, data); err != nil {
			log.Error().Err(err).Msg("Failed to render index page")
		}
	}
}

// Close releases loader resources such as the sass compiler process.
func (p *Pipeline) Close() error {
	return p.rules.Close()
}

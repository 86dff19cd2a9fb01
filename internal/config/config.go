// Package config holds the immutable build configuration shared by every
// component of the bundler. A Config is assembled once, from defaults, an
// optional YAML file and command line overrides, and then passed by value to
// each constructor. Nothing below this package reads the process environment.
package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects development or production behavior.
type Mode string

const (
	Development Mode = "development"
	Production  Mode = "production"
)

// Valid reports whether the mode is one of the known modes.
func (m Mode) Valid() bool {
	return m == Development || m == Production
}

type Config struct {
	Mode Mode
	// Context is the absolute project root; relative paths are resolved against it.
	Context string
	// Entries maps chunk names to entry module paths relative to Context.
	Entries     Entries
	Output      Output
	Resolve     Resolve
	Rules       []Rule
	Plugins     []Plugin
	DevServer   DevServer
	Watch       Watch
	Concurrency int

	SourceMap     bool
	Minify        bool
	StripComments bool
}

type Output struct {
	// Dir is the absolute output directory.
	Dir         string
	Filename    string
	CSSFilename string
	// HashLength truncates the digest used for [hash] tokens without an explicit length.
	HashLength int
	// HashEncoding is "hex" or "base58".
	HashEncoding string
	Manifest     string
}

// Hashed reports whether either filename template embeds a content hash.
func (o Output) Hashed() bool {
	return hasHashToken(o.Filename) || hasHashToken(o.CSSFilename)
}

type Resolve struct {
	// Alias maps specifier prefixes to absolute paths.
	Alias      map[string]string
	Extensions []string
	MainFiles  []string
}

type Rule struct {
	Test    string
	Exclude string
	Use     []LoaderRef
}

type LoaderRef struct {
	Loader  string
	Options yaml.Node
	// Modes restricts the loader to the given modes; empty means all modes.
	Modes []Mode
}

// Enabled reports whether the loader participates in the given mode.
func (l LoaderRef) Enabled(m Mode) bool {
	return modeEnabled(l.Modes, m)
}

type Plugin struct {
	Name    string
	Options yaml.Node
	// Modes restricts the plugin to the given modes; empty means all modes.
	Modes []Mode
}

// Enabled reports whether the plugin runs in the given mode.
func (p Plugin) Enabled(m Mode) bool {
	return modeEnabled(p.Modes, m)
}

func modeEnabled(modes []Mode, m Mode) bool {
	return len(modes) == 0 || slices.Contains(modes, m)
}

type DevServer struct {
	Host        string
	Port        int
	Proxy       []ProxyRule
	LiveReload  bool
	CORSOrigins []string
}

// Addr returns the listen address of the dev server.
func (d DevServer) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

type ProxyRule struct {
	Prefix       string
	Target       string
	ChangeOrigin bool
	AutoRewrite  bool
}

type Watch struct {
	Debounce time.Duration
	Ignore   []string
}

// Default returns the configuration used when no file is given.
func Default(root string, mode Mode) Config {
	cfg := Config{
		Mode:    mode,
		Context: root,
		Entries: Entries{{Name: "main", Path: "./index.js"}},
		Output: Output{
			Dir:          filepath.Join(root, "dist"),
			HashLength:   20,
			HashEncoding: "hex",
			Manifest:     "manifest.json",
		},
		Resolve: Resolve{
			Alias:      map[string]string{},
			Extensions: []string{".js"},
			MainFiles:  []string{"index"},
		},
		DevServer: DevServer{
			Host:       "localhost",
			Port:       3000,
			LiveReload: true,
		},
		Watch: Watch{
			Debounce: 100 * time.Millisecond,
			Ignore:   []string{"node_modules", ".git"},
		},
		Concurrency: 8,
	}
	cfg.applyMode(modeOverrides{})
	return cfg
}

// modeOverrides carries explicit settings that win over mode-derived ones.
type modeOverrides struct {
	SourceMap     *bool
	Minify        *bool
	StripComments *bool
}

func (c *Config) applyMode(o modeOverrides) {
	dev := c.Mode == Development
	c.SourceMap = boolOr(o.SourceMap, dev)
	c.Minify = boolOr(o.Minify, !dev)
	c.StripComments = boolOr(o.StripComments, !dev)

	if c.Output.Filename == "" {
		c.Output.Filename = cond(dev, "bundle.js", "bundle.[hash].js")
	}
	if c.Output.CSSFilename == "" {
		c.Output.CSSFilename = cond(dev, "bundle.css", "bundle.[hash].css")
	}
}

// Path resolves p against the project root.
func (c Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Context, p)
}

// Validate checks the invariants the pipeline relies on.
func (c Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if !filepath.IsAbs(c.Context) {
		return fmt.Errorf("context must be absolute: %q", c.Context)
	}
	if len(c.Entries) == 0 {
		return fmt.Errorf("at least one entry point is required")
	}
	seen := map[string]bool{}
	for _, e := range c.Entries {
		if e.Name == "" || e.Path == "" {
			return fmt.Errorf("entry points need a name and a path")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate entry point name %q", e.Name)
		}
		seen[e.Name] = true
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.Output.Filename == "" || c.Output.CSSFilename == "" {
		return fmt.Errorf("output filenames are required")
	}
	if len(c.Entries) > 1 && !hasNameToken(c.Output.Filename) {
		return fmt.Errorf("output filename %q needs a [name] token for multiple entry points", c.Output.Filename)
	}
	switch c.Output.HashEncoding {
	case "hex", "base58":
	default:
		return fmt.Errorf("unknown hash encoding %q", c.Output.HashEncoding)
	}
	for i, r := range c.Rules {
		if r.Test == "" {
			return fmt.Errorf("rule %d: test pattern is required", i)
		}
		if len(r.Use) == 0 {
			return fmt.Errorf("rule %d: at least one loader is required", i)
		}
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	return nil
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

func cond[T any](condition bool, trueVal, falseVal T) T {
	if condition {
		return trueVal
	}
	return falseVal
}

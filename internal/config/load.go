package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML shape of a bundler configuration.
type File struct {
	Mode          Mode          `yaml:"mode"`
	Context       string        `yaml:"context"`
	Entry         Entries       `yaml:"entry"`
	Output        outputFile    `yaml:"output"`
	Resolve       resolveFile   `yaml:"resolve"`
	SourceMap     *bool         `yaml:"sourceMap"`
	Minify        *bool         `yaml:"minify"`
	StripComments *bool         `yaml:"stripComments"`
	Rules         []ruleFile    `yaml:"rules"`
	Plugins       []pluginFile  `yaml:"plugins"`
	DevServer     devServerFile `yaml:"devServer"`
	Watch         watchFile     `yaml:"watch"`
	Concurrency   int           `yaml:"concurrency"`
}

type outputFile struct {
	Path         string `yaml:"path"`
	Filename     string `yaml:"filename"`
	CSSFilename  string `yaml:"cssFilename"`
	HashLength   int    `yaml:"hashLength"`
	HashEncoding string `yaml:"hashEncoding"`
	Manifest     string `yaml:"manifest"`
}

type resolveFile struct {
	Alias      map[string]string `yaml:"alias"`
	Extensions []string          `yaml:"extensions"`
	MainFiles  []string          `yaml:"mainFiles"`
}

type ruleFile struct {
	Test    string       `yaml:"test"`
	Exclude string       `yaml:"exclude"`
	Use     []loaderFile `yaml:"use"`
}

type loaderFile struct {
	Loader  string    `yaml:"loader"`
	Options yaml.Node `yaml:"options"`
	Modes   []Mode    `yaml:"modes"`
}

// UnmarshalYAML accepts either a bare loader name or a mapping.
func (l *loaderFile) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		l.Loader = node.Value
		return nil
	}
	type plain loaderFile
	return node.Decode((*plain)(l))
}

type pluginFile struct {
	Name    string    `yaml:"name"`
	Options yaml.Node `yaml:"options"`
	Modes   []Mode    `yaml:"modes"`
}

type devServerFile struct {
	Host       string      `yaml:"host"`
	Port       int         `yaml:"port"`
	LiveReload *bool       `yaml:"liveReload"`
	CORS       []string    `yaml:"cors"`
	Proxy      []proxyFile `yaml:"proxy"`
}

type proxyFile struct {
	Prefix       string `yaml:"prefix"`
	Target       string `yaml:"target"`
	ChangeOrigin bool   `yaml:"changeOrigin"`
	AutoRewrite  bool   `yaml:"autoRewrite"`
}

type watchFile struct {
	Debounce string   `yaml:"debounce"`
	Ignore   []string `yaml:"ignore"`
}

// Overrides are command line settings that win over the file.
type Overrides struct {
	// Root is used as the project root when no file is given.
	Root      string
	Mode      Mode
	OutputDir string
	Port      int
}

// Load reads the YAML file at path, when path is non-empty, and assembles
// the final Config.
func Load(path string, o Overrides) (Config, error) {
	var file File
	root := o.Root

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		root = filepath.Dir(path)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve project root: %w", err)
	}

	cfg, err := file.toConfig(root, o)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (f File) toConfig(root string, o Overrides) (Config, error) {
	mode := Development
	if f.Mode != "" {
		mode = f.Mode
	}
	if o.Mode != "" {
		mode = o.Mode
	}

	context := root
	if f.Context != "" {
		context = absFrom(root, f.Context)
	}

	cfg := Default(context, mode)
	// Output defaults to <root>/dist, not <context>/dist.
	cfg.Output.Dir = filepath.Join(root, "dist")
	// Filenames are re-derived below once the file has been applied.
	cfg.Output.Filename, cfg.Output.CSSFilename = "", ""

	if len(f.Entry) > 0 {
		cfg.Entries = f.Entry
	}

	if f.Output.Path != "" {
		cfg.Output.Dir = absFrom(root, f.Output.Path)
	}
	cfg.Output.Filename = f.Output.Filename
	cfg.Output.CSSFilename = f.Output.CSSFilename
	if f.Output.HashLength > 0 {
		cfg.Output.HashLength = f.Output.HashLength
	}
	if f.Output.HashEncoding != "" {
		cfg.Output.HashEncoding = f.Output.HashEncoding
	}
	if f.Output.Manifest != "" {
		cfg.Output.Manifest = f.Output.Manifest
	}

	for prefix, target := range f.Resolve.Alias {
		cfg.Resolve.Alias[prefix] = absFrom(root, target)
	}
	if len(f.Resolve.Extensions) > 0 {
		cfg.Resolve.Extensions = f.Resolve.Extensions
	}
	if len(f.Resolve.MainFiles) > 0 {
		cfg.Resolve.MainFiles = f.Resolve.MainFiles
	}

	for _, r := range f.Rules {
		if _, err := regexp.Compile(r.Test); err != nil {
			return Config{}, fmt.Errorf("rule test %q: %w", r.Test, err)
		}
		rule := Rule{Test: r.Test, Exclude: r.Exclude}
		for _, l := range r.Use {
			rule.Use = append(rule.Use, LoaderRef{Loader: l.Loader, Options: l.Options, Modes: l.Modes})
		}
		cfg.Rules = append(cfg.Rules, rule)
	}

	for _, p := range f.Plugins {
		cfg.Plugins = append(cfg.Plugins, Plugin{Name: p.Name, Options: p.Options, Modes: p.Modes})
	}

	if f.DevServer.Host != "" {
		cfg.DevServer.Host = f.DevServer.Host
	}
	if f.DevServer.Port != 0 {
		cfg.DevServer.Port = f.DevServer.Port
	}
	if f.DevServer.LiveReload != nil {
		cfg.DevServer.LiveReload = *f.DevServer.LiveReload
	}
	cfg.DevServer.CORSOrigins = f.DevServer.CORS
	for _, p := range f.DevServer.Proxy {
		cfg.DevServer.Proxy = append(cfg.DevServer.Proxy, ProxyRule(p))
	}

	if f.Watch.Debounce != "" {
		d, err := time.ParseDuration(f.Watch.Debounce)
		if err != nil {
			return Config{}, fmt.Errorf("watch debounce: %w", err)
		}
		cfg.Watch.Debounce = d
	}
	if len(f.Watch.Ignore) > 0 {
		cfg.Watch.Ignore = f.Watch.Ignore
	}
	if f.Concurrency > 0 {
		cfg.Concurrency = f.Concurrency
	}

	if o.OutputDir != "" {
		cfg.Output.Dir = absFrom(root, o.OutputDir)
	}
	if o.Port != 0 {
		cfg.DevServer.Port = o.Port
	}

	cfg.applyMode(modeOverrides{
		SourceMap:     f.SourceMap,
		Minify:        f.Minify,
		StripComments: f.StripComments,
	})
	return cfg, nil
}

func absFrom(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

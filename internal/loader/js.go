package loader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/wolfeidau/bundler/internal/config"
	"gopkg.in/yaml.v3"
)

// JSOptions configures the script transpiler.
type JSOptions struct {
	// Target is the language level of the output, e.g. "es2015" or "esnext".
	Target string `yaml:"target"`
	// Define replaces global identifiers with constant expressions.
	Define map[string]string `yaml:"define"`
	// DropDebugger removes debugger statements.
	DropDebugger bool `yaml:"dropDebugger"`
}

var targets = map[string]api.Target{
	"esnext": api.ESNext,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
}

// jsLoader transpiles scripts to CommonJS so the bundle runtime can link
// them, then records the require() specifiers of the output.
type jsLoader struct {
	opts          JSOptions
	target        api.Target
	minify        bool
	sourceMap     bool
	stripComments bool
}

func newJSLoader(node yaml.Node, cfg config.Config) (Loader, error) {
	opts := JSOptions{Target: "es2015"}
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	target, ok := targets[strings.ToLower(opts.Target)]
	if !ok {
		return nil, fmt.Errorf("unsupported target %q", opts.Target)
	}

	define := map[string]string{
		"process.env.NODE_ENV": strconv.Quote(string(cfg.Mode)),
	}
	for k, v := range opts.Define {
		define[k] = v
	}
	opts.Define = define

	return &jsLoader{
		opts:          opts,
		target:        target,
		minify:        cfg.Minify,
		sourceMap:     cfg.SourceMap,
		stripComments: cfg.StripComments,
	}, nil
}

func (l *jsLoader) Name() string { return "js" }

func (l *jsLoader) Kinds() (Kind, Kind) { return KindAny, KindScript }

func (l *jsLoader) Load(_ context.Context, src *Source) (*Source, error) {
	opts := api.TransformOptions{
		Loader:            scriptLoader(src.ID.Ext()),
		Format:            api.FormatCommonJS,
		Target:            l.target,
		Platform:          api.PlatformBrowser,
		Sourcefile:        src.ID.Path,
		Sourcemap:         cond(l.sourceMap, api.SourceMapInline, api.SourceMapNone),
		SourcesContent:    api.SourcesContentInclude,
		MinifyWhitespace:  l.minify,
		MinifyIdentifiers: l.minify,
		MinifySyntax:      l.minify,
		LegalComments:     cond(l.stripComments, api.LegalCommentsNone, api.LegalCommentsInline),
		JSX:               api.JSXAutomatic,
		Define:            l.opts.Define,
	}
	if l.opts.DropDebugger {
		opts.Drop = api.DropDebugger
	}

	result := api.Transform(string(src.Code), opts)
	if len(result.Errors) > 0 {
		return nil, messagesError(result.Errors)
	}

	out := src.Clone()
	out.Code = result.Code
	out.Kind = KindScript
	out.Imports = ScanRequires(result.Code)
	return out, nil
}

// jsonLoader turns a JSON document into a module exporting its value.
type jsonLoader struct{}

func newJSONLoader(yaml.Node, config.Config) (Loader, error) { return jsonLoader{}, nil }

func (jsonLoader) Name() string { return "json" }

func (jsonLoader) Kinds() (Kind, Kind) { return KindAny, KindScript }

func (jsonLoader) Load(_ context.Context, src *Source) (*Source, error) {
	result := api.Transform(string(src.Code), api.TransformOptions{
		Loader:     api.LoaderJSON,
		Format:     api.FormatCommonJS,
		Sourcefile: src.ID.Path,
	})
	if len(result.Errors) > 0 {
		return nil, messagesError(result.Errors)
	}
	out := src.Clone()
	out.Code = result.Code
	out.Kind = KindScript
	out.Imports = nil
	return out, nil
}

func scriptLoader(ext string) api.Loader {
	switch ext {
	case ".jsx":
		return api.LoaderJSX
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	default:
		return api.LoaderJS
	}
}

// messagesError converts esbuild messages into a single error.
func messagesError(msgs []api.Message) error {
	errs := make([]error, 0, len(msgs))
	for _, m := range msgs {
		errs = append(errs, errors.New(formatMessage(m)))
	}
	return errors.Join(errs...)
}

func formatMessage(m api.Message) string {
	if m.Location == nil {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text)
}

func cond[T any](condition bool, trueVal, falseVal T) T {
	if condition {
		return trueVal
	}
	return falseVal
}

package loader

import (
	"context"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/wolfeidau/bundler/internal/config"
	"gopkg.in/yaml.v3"
)

// cssImport matches @import rules with a quoted or url() target.
var cssImport = regexp.MustCompile(`(?m)@import\s+(?:url\(\s*)?["']?([^"')\s;]+)["']?\s*\)?[^;]*;[ \t]*\n?`)

// cssLoader parses stylesheets, lifting local @import rules into module
// dependencies so each imported sheet is loaded and ordered by the graph.
type cssLoader struct {
	minify        bool
	stripComments bool
}

func newCSSLoader(_ yaml.Node, cfg config.Config) (Loader, error) {
	return &cssLoader{minify: cfg.Minify, stripComments: cfg.StripComments}, nil
}

func (l *cssLoader) Name() string { return "css" }

func (l *cssLoader) Kinds() (Kind, Kind) { return KindAny, KindStyle }

func (l *cssLoader) Load(_ context.Context, src *Source) (*Source, error) {
	code, imports := liftImports(src.Code)

	result := api.Transform(string(code), api.TransformOptions{
		Loader:           api.LoaderCSS,
		Sourcefile:       src.ID.Path,
		MinifyWhitespace: l.minify,
		MinifySyntax:     l.minify,
		LegalComments:    cond(l.stripComments, api.LegalCommentsNone, api.LegalCommentsInline),
	})
	if len(result.Errors) > 0 {
		return nil, messagesError(result.Errors)
	}

	out := src.Clone()
	out.Code = result.Code
	out.Kind = KindStyle
	out.Imports = imports
	return out, nil
}

// liftImports removes local @import rules from code and returns their targets.
// Remote imports are left in place for the browser.
func liftImports(code []byte) ([]byte, []string) {
	var imports []string
	out := cssImport.ReplaceAllFunc(code, func(m []byte) []byte {
		sub := cssImport.FindSubmatch(m)
		target := string(sub[1])
		if isRemote(target) {
			return m
		}
		imports = append(imports, cssSpecifier(target))
		return nil
	})
	return out, imports
}

// cssSpecifier maps a stylesheet import target to a module specifier: plain
// names are relative to the sheet and a leading ~ selects a module lookup.
func cssSpecifier(target string) string {
	switch {
	case strings.HasPrefix(target, "~"):
		return target[1:]
	case strings.HasPrefix(target, "./"), strings.HasPrefix(target, "../"), strings.HasPrefix(target, "/"):
		return target
	default:
		return "./" + target
	}
}

func isRemote(target string) bool {
	return strings.HasPrefix(target, "http://") ||
		strings.HasPrefix(target, "https://") ||
		strings.HasPrefix(target, "//") ||
		strings.HasPrefix(target, "data:")
}

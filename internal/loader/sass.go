package loader

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/bep/godartsass/v2"
	"github.com/wolfeidau/bundler/internal/config"
	"gopkg.in/yaml.v3"
)

// SassOptions configures the Sass stage.
type SassOptions struct {
	// Binary is a Dart Sass executable speaking the embedded protocol. When
	// empty, sources are treated as plain CSS with // line comments.
	Binary       string   `yaml:"binary"`
	IncludePaths []string `yaml:"includePaths"`
}

// Transpiler compiles Sass sources; *godartsass.Transpiler satisfies it.
type Transpiler interface {
	Execute(args godartsass.Args) (godartsass.Result, error)
	Close() error
}

type sassLoader struct {
	opts     SassOptions
	minify   bool
	start    func() (Transpiler, error)
	startErr error
	once     sync.Once
	t        Transpiler
}

func newSassLoader(node yaml.Node, cfg config.Config) (Loader, error) {
	var opts SassOptions
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	for i, p := range opts.IncludePaths {
		opts.IncludePaths[i] = cfg.Path(p)
	}

	l := &sassLoader{opts: opts, minify: cfg.Minify}
	if opts.Binary != "" {
		l.start = func() (Transpiler, error) {
			return godartsass.Start(godartsass.Options{
				DartSassEmbeddedFilename: opts.Binary,
			})
		}
	}
	return l, nil
}

func (l *sassLoader) Name() string { return "sass" }

func (l *sassLoader) Kinds() (Kind, Kind) { return KindAny, KindStyle }

func (l *sassLoader) Load(_ context.Context, src *Source) (*Source, error) {
	out := src.Clone()
	out.Kind = KindStyle

	if l.start == nil {
		out.Code = stripLineComments(src.Code)
		return out, nil
	}

	// The transpiler process is started on first use and shared by all modules.
	l.once.Do(func() {
		l.t, l.startErr = l.start()
	})
	if l.startErr != nil {
		return nil, fmt.Errorf("failed to start sass: %w", l.startErr)
	}

	syntax := godartsass.SourceSyntaxSCSS
	if src.ID.Ext() == ".sass" {
		syntax = godartsass.SourceSyntaxSASS
	}

	result, err := l.t.Execute(godartsass.Args{
		Source:       string(src.Code),
		URL:          (&url.URL{Scheme: "file", Path: filepath.ToSlash(src.ID.Path)}).String(),
		SourceSyntax: syntax,
		OutputStyle:  cond(l.minify, godartsass.OutputStyleCompressed, godartsass.OutputStyleExpanded),
		IncludePaths: append([]string{filepath.Dir(src.ID.Path)}, l.opts.IncludePaths...),
	})
	if err != nil {
		return nil, err
	}
	out.Code = []byte(result.CSS)
	return out, nil
}

// Close stops the transpiler process if one was started.
func (l *sassLoader) Close() error {
	if l.t == nil {
		return nil
	}
	return l.t.Close()
}

// stripLineComments removes // comments, which CSS does not allow, while
// leaving strings, block comments and url() arguments alone.
func stripLineComments(code []byte) []byte {
	out := make([]byte, 0, len(code))
	var quote byte
	depth := 0

	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(code) {
				out = append(out, c, code[i+1])
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')' && depth > 0:
			depth--
		case c == '/' && i+1 < len(code) && code[i+1] == '*':
			end := indexFrom(code, i+2, "*/")
			if end < 0 {
				return append(out, code[i:]...)
			}
			out = append(out, code[i:end+2]...)
			i = end + 1
			continue
		case c == '/' && depth == 0 && i+1 < len(code) && code[i+1] == '/':
			for i < len(code) && code[i] != '\n' {
				i++
			}
			if i < len(code) {
				out = append(out, '\n')
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

func indexFrom(b []byte, from int, sep string) int {
	for i := from; i+len(sep) <= len(b); i++ {
		if string(b[i:i+len(sep)]) == sep {
			return i
		}
	}
	return -1
}

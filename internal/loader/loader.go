// Package loader applies pattern-matched transform pipelines to module
// sources. Rules are evaluated in declaration order; the loaders of a
// matching rule run right-to-left, so the last configured loader sees the
// raw file first.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/resolve"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoLoader is returned when neither a rule nor a built-in default handles a file.
	ErrNoLoader = errors.New("no loader for file type")
)

// Kind is the representation a source is in between stages.
type Kind int

const (
	// KindAny is raw file content, not yet typed by a loader.
	KindAny Kind = iota
	KindScript
	KindStyle
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindStyle:
		return "style"
	default:
		return "any"
	}
}

// Source is one module's content as it moves through a loader pipeline.
type Source struct {
	ID   resolve.Identity
	Code []byte
	Kind Kind
	// Imports are the module specifiers the content references, in source order.
	Imports []string
	// Styles are stylesheet fragments routed to the chunk's CSS artifact.
	Styles [][]byte
}

// Clone returns a copy that a stage may modify without affecting its input.
func (s *Source) Clone() *Source {
	return &Source{
		ID:      s.ID,
		Code:    slices.Clone(s.Code),
		Kind:    s.Kind,
		Imports: slices.Clone(s.Imports),
		Styles:  slices.Clone(s.Styles),
	}
}

// Loader is a single transform stage.
type Loader interface {
	Name() string
	// Kinds reports the input the stage accepts and the output it produces.
	Kinds() (in, out Kind)
	Load(ctx context.Context, src *Source) (*Source, error)
}

// StageError attributes a failure to the rule and loader that produced it.
type StageError struct {
	Rule   string
	Loader string
	Err    error
}

func (e *StageError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("loader %s: %v", e.Loader, e.Err)
	}
	return fmt.Sprintf("loader %s (rule %s): %v", e.Loader, e.Rule, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Rule is a match predicate plus an ordered loader pipeline. Rules are
// immutable once built.
type Rule struct {
	test    *regexp.Regexp
	exclude *regexp.Regexp
	loaders []Loader
}

// NewRule builds a rule from compiled patterns and loaders in declaration order.
func NewRule(test, exclude *regexp.Regexp, loaders ...Loader) (*Rule, error) {
	r := &Rule{test: test, exclude: exclude, loaders: loaders}
	if err := r.checkKinds(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rule) String() string {
	return r.test.String()
}

// Match reports whether the rule applies to the file path.
func (r *Rule) Match(path string) bool {
	if r.exclude != nil && r.exclude.MatchString(path) {
		return false
	}
	return r.test.MatchString(path)
}

// Loaders returns the pipeline in declaration order.
func (r *Rule) Loaders() []Loader {
	return slices.Clone(r.loaders)
}

// checkKinds verifies each stage accepts what the previous stage produces.
func (r *Rule) checkKinds() error {
	cur := KindAny
	for i := len(r.loaders) - 1; i >= 0; i-- {
		l := r.loaders[i]
		in, out := l.Kinds()
		if in != KindAny && cur != KindAny && in != cur {
			return fmt.Errorf("rule %s: loader %s expects %s input but receives %s", r, l.Name(), in, cur)
		}
		if out != KindAny {
			cur = out
		}
	}
	return nil
}

// Rules is the configured rule list plus the defaults for unmatched files.
type Rules struct {
	rules    []*Rule
	defaults map[string]Loader
	closers  []io.Closer
}

// NewRules compiles the configured rules, instantiating loaders from the registry.
func NewRules(cfg config.Config, reg *Registry) (*Rules, error) {
	rs := &Rules{defaults: map[string]Loader{}}

	track := func(l Loader) {
		if c, ok := l.(io.Closer); ok {
			rs.closers = append(rs.closers, c)
		}
	}

	for i, rc := range cfg.Rules {
		test, err := regexp.Compile(rc.Test)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid test pattern: %w", i, err)
		}
		var exclude *regexp.Regexp
		if rc.Exclude != "" {
			if exclude, err = regexp.Compile(rc.Exclude); err != nil {
				return nil, fmt.Errorf("rule %d: invalid exclude pattern: %w", i, err)
			}
		}

		var loaders []Loader
		for _, ref := range rc.Use {
			if !ref.Enabled(cfg.Mode) {
				log.Debug().Str("loader", ref.Loader).Str("mode", string(cfg.Mode)).Msg("Loader disabled in this mode")
				continue
			}
			l, err := reg.New(ref.Loader, ref.Options, cfg)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			track(l)
			loaders = append(loaders, l)
		}
		if len(loaders) == 0 {
			continue
		}

		rule, err := NewRule(test, exclude, loaders...)
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, rule)
	}

	byName := map[string]Loader{}
	for ext, name := range defaultLoaders {
		l, ok := byName[name]
		if !ok {
			var err error
			if l, err = reg.New(name, yaml.Node{}, cfg); err != nil {
				return nil, fmt.Errorf("default loader for %s: %w", ext, err)
			}
			track(l)
			byName[name] = l
		}
		rs.defaults[ext] = l
	}

	return rs, nil
}

// defaultLoaders handle files that no rule matches.
var defaultLoaders = map[string]string{
	".js":   "js",
	".mjs":  "js",
	".cjs":  "js",
	".jsx":  "js",
	".ts":   "js",
	".tsx":  "js",
	".json": "json",
	".css":  "css",
}

// Apply runs every matching rule in declaration order, each rule's
// loaders right-to-left, feeding each rule's output into the next.
func (rs *Rules) Apply(ctx context.Context, src *Source) (*Source, error) {
	cur := src
	matched := false

	for _, rule := range rs.rules {
		if !rule.Match(src.ID.Path) {
			continue
		}
		matched = true
		for i := len(rule.loaders) - 1; i >= 0; i-- {
			out, err := runStage(ctx, rule.loaders[i], cur)
			if err != nil {
				return nil, &StageError{Rule: rule.String(), Loader: rule.loaders[i].Name(), Err: err}
			}
			cur = out
		}
	}

	if !matched {
		l, ok := rs.defaults[src.ID.Ext()]
		if !ok {
			return nil, &StageError{Loader: "none", Err: fmt.Errorf("%w: %s", ErrNoLoader, src.ID.Ext())}
		}
		out, err := runStage(ctx, l, cur)
		if err != nil {
			return nil, &StageError{Loader: l.Name(), Err: err}
		}
		cur = out
	}

	if cur.Kind == KindAny {
		return nil, &StageError{Loader: "none", Err: fmt.Errorf("%w: pipeline did not produce a script or style", ErrNoLoader)}
	}
	return cur, nil
}

func runStage(ctx context.Context, l Loader, src *Source) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, _ := l.Kinds()
	if in != KindAny && src.Kind != KindAny && in != src.Kind {
		return nil, fmt.Errorf("expects %s input, got %s", in, src.Kind)
	}
	out, err := l.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("module", src.ID.String()).Str("loader", l.Name()).Str("kind", out.Kind.String()).Msg("Loader stage complete")
	return out, nil
}

// Close releases loaders that hold external resources.
func (rs *Rules) Close() error {
	var errs []error
	for _, c := range rs.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

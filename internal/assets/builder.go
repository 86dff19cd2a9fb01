package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/emit"
	"github.com/wolfeidau/bundler/internal/graph"
	"github.com/wolfeidau/bundler/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// BuildError reports a pass that finished with per-module errors. Nothing is
// emitted for such a pass.
type BuildError struct {
	Diagnostics graph.Diagnostics
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed with %d error(s): %v", len(e.Diagnostics), e.Diagnostics.Err())
}

func (e *BuildError) Unwrap() error {
	return e.Diagnostics.Err()
}

// Build runs a full pass: the graph is rebuilt from the entry points and
// every module is loaded again.
func (p *Pipeline) Build(ctx context.Context) (*emit.Result, error) {
	p.buildMu.Lock()
	defer p.buildMu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "bundler.build", trace.WithAttributes(
		attribute.String("mode", string(p.cfg.Mode)),
		attribute.Bool("incremental", false),
	))
	defer span.End()

	started := time.Now()
	log.Info().Str("mode", string(p.cfg.Mode)).Int("entries", len(p.cfg.Entries)).Msg("Building assets")

	if err := p.plugins.PreBuild(ctx, p.builds == 0); err != nil {
		return nil, p.fail(ctx, span, started, err)
	}
	p.builds++

	g, diags, err := p.builder.Build(ctx, p.cfg.Entries)
	if err != nil {
		return nil, p.fail(ctx, span, started, err)
	}

	p.mu.Lock()
	p.graph = g
	p.mu.Unlock()

	telemetry.GetMetrics().ModulesLoaded.Add(ctx, int64(g.Len()))
	span.SetAttributes(attribute.Int("modules", g.Len()))

	return p.finish(ctx, span, started, g, diags)
}

// Rebuild runs an incremental pass for the changed files. Without a graph
// from an earlier pass it falls back to a full build.
func (p *Pipeline) Rebuild(ctx context.Context, paths []string) (*emit.Result, error) {
	p.mu.RLock()
	g := p.graph
	p.mu.RUnlock()
	if g == nil {
		return p.Build(ctx)
	}

	p.buildMu.Lock()
	defer p.buildMu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "bundler.build", trace.WithAttributes(
		attribute.String("mode", string(p.cfg.Mode)),
		attribute.Bool("incremental", true),
		attribute.Int("changed", len(paths)),
	))
	defer span.End()

	started := time.Now()

	if err := p.plugins.PreBuild(ctx, false); err != nil {
		return nil, p.fail(ctx, span, started, err)
	}
	p.builds++

	stats, diags, err := p.builder.Rebuild(ctx, g, paths)
	m := telemetry.GetMetrics()
	m.ModulesInvalidated.Add(ctx, int64(stats.Invalidated))
	m.ModulesLoaded.Add(ctx, int64(len(stats.Reloaded)))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.RebuildsCancelled.Add(context.WithoutCancel(ctx), 1)
		}
		return nil, p.fail(ctx, span, started, err)
	}

	log.Info().Strs("changed", paths).Str("stats", stats.String()).Msg("Rebuilding assets")
	span.SetAttributes(attribute.Int("modules.reloaded", len(stats.Reloaded)))

	return p.finish(ctx, span, started, g, diags)
}

// finish emits the graph unless the pass produced diagnostics, then runs
// the post-emit hooks.
func (p *Pipeline) finish(ctx context.Context, span trace.Span, started time.Time, g *graph.Graph, diags graph.Diagnostics) (*emit.Result, error) {
	p.mu.Lock()
	p.diags = diags
	p.mu.Unlock()

	if len(diags) > 0 {
		logDiagnostics(diags)
		res, load := diags.Counts()
		m := telemetry.GetMetrics()
		m.ResolutionErrors.Add(ctx, int64(res))
		m.LoaderErrors.Add(ctx, int64(load))
		return nil, p.fail(ctx, span, started, &BuildError{Diagnostics: diags})
	}

	result, err := p.emitter.Emit(ctx, g)
	if err != nil {
		return nil, p.fail(ctx, span, started, err)
	}
	if err := p.plugins.PostEmit(ctx, result); err != nil {
		return nil, p.fail(ctx, span, started, err)
	}

	p.mu.Lock()
	p.result = result
	p.mu.Unlock()

	m := telemetry.GetMetrics()
	m.BuildsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	m.BuildDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	m.ArtifactsEmitted.Add(ctx, int64(len(result.Artifacts)))
	m.BytesEmitted.Add(ctx, int64(result.Bytes()))
	span.SetAttributes(attribute.String("build_id", result.BuildID))

	for _, a := range result.Artifacts {
		log.Info().Str("artifact", a.Filename).Int("size", a.Size).Msg("Built file")
	}
	log.Info().
		Str("build_id", result.BuildID).
		Dur("duration", time.Since(started)).
		Int("artifacts", len(result.Artifacts)).
		Msg("Build complete")
	return result, nil
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, started time.Time, err error) error {
	ctx = context.WithoutCancel(ctx)
	m := telemetry.GetMetrics()
	m.BuildsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failure")))
	m.BuildFailures.Add(ctx, 1)
	m.BuildDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// logDiagnostics writes each per-module error once, with the fields needed
// to find its source.
func logDiagnostics(diags graph.Diagnostics) {
	for _, err := range diags {
		var re *graph.ResolutionError
		var le *graph.LoaderError
		switch {
		case errors.As(err, &re):
			log.Error().
				Str("module", re.Importer.String()).
				Str("specifier", re.Specifier).
				Err(re.Err).
				Msg("Unresolved import")
		case errors.As(err, &le):
			ev := log.Error().Str("module", le.Module.String())
			if rule, name, ok := le.Stage(); ok {
				ev = ev.Str("rule", rule).Str("loader", name)
			}
			ev.Err(le.Err).Msg("Loader failed")
		default:
			log.Error().Err(err).Msg("Build error")
		}
	}
}

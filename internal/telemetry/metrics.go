package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by build passes.
type Metrics struct {
	BuildsTotal       metric.Int64Counter
	BuildFailures     metric.Int64Counter
	BuildDuration     metric.Float64Histogram
	RebuildsCancelled metric.Int64Counter

	ModulesLoaded      metric.Int64Counter
	ModulesInvalidated metric.Int64Counter
	ResolutionErrors   metric.Int64Counter
	LoaderErrors       metric.Int64Counter

	ArtifactsEmitted metric.Int64Counter
	BytesEmitted     metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the process-wide instruments, creating them on first use
// from the global meter provider.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	m := &Metrics{}

	m.BuildsTotal, _ = meter.Int64Counter(
		"bundler.builds.total",
		metric.WithDescription("Total number of build passes, full and incremental"),
		metric.WithUnit("{build}"),
	)

	m.BuildFailures, _ = meter.Int64Counter(
		"bundler.builds.failures.total",
		metric.WithDescription("Build passes that ended with diagnostics or an emission error"),
		metric.WithUnit("{build}"),
	)

	m.BuildDuration, _ = meter.Float64Histogram(
		"bundler.builds.duration",
		metric.WithDescription("Duration of build passes"),
		metric.WithUnit("ms"),
	)

	m.RebuildsCancelled, _ = meter.Int64Counter(
		"bundler.rebuilds.cancelled.total",
		metric.WithDescription("Incremental passes superseded by a newer change"),
		metric.WithUnit("{build}"),
	)

	m.ModulesLoaded, _ = meter.Int64Counter(
		"bundler.modules.loaded.total",
		metric.WithDescription("Modules run through their loader pipeline"),
		metric.WithUnit("{module}"),
	)

	m.ModulesInvalidated, _ = meter.Int64Counter(
		"bundler.modules.invalidated.total",
		metric.WithDescription("Modules invalidated by file changes"),
		metric.WithUnit("{module}"),
	)

	m.ResolutionErrors, _ = meter.Int64Counter(
		"bundler.errors.resolution.total",
		metric.WithDescription("Specifiers that could not be resolved"),
		metric.WithUnit("{error}"),
	)

	m.LoaderErrors, _ = meter.Int64Counter(
		"bundler.errors.loader.total",
		metric.WithDescription("Modules whose loader pipeline failed"),
		metric.WithUnit("{error}"),
	)

	m.ArtifactsEmitted, _ = meter.Int64Counter(
		"bundler.artifacts.emitted.total",
		metric.WithDescription("Output files written"),
		metric.WithUnit("{file}"),
	)

	m.BytesEmitted, _ = meter.Int64Counter(
		"bundler.artifacts.bytes.total",
		metric.WithDescription("Bytes written to the output directory"),
		metric.WithUnit("By"),
	)

	return m
}

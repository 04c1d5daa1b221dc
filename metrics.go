package refd

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/refd"

// registryMetrics counts artifact lifecycle events. Counters are nil when the
// meter could not provide them; record methods tolerate that.
type registryMetrics struct {
	registered metric.Int64Counter
	downloads  metric.Int64Counter
	reaped     metric.Int64Counter
}

func newRegistryMetrics(logger pslog.Logger) *registryMetrics {
	meter := otel.Meter(meterName)
	m := &registryMetrics{}
	var err error

	m.registered, err = meter.Int64Counter(
		"refd.artifacts.registered",
		metric.WithDescription("Artifacts accepted into the download registry"),
	)
	logMetricInitError(logger, "refd.artifacts.registered", err)

	m.downloads, err = meter.Int64Counter(
		"refd.artifacts.downloads",
		metric.WithDescription("Artifacts served at least once"),
	)
	logMetricInitError(logger, "refd.artifacts.downloads", err)

	m.reaped, err = meter.Int64Counter(
		"refd.artifacts.reaped",
		metric.WithDescription("Artifacts removed by TTL expiry"),
	)
	logMetricInitError(logger, "refd.artifacts.reaped", err)

	return m
}

func (m *registryMetrics) recordRegistered(format string) {
	if m == nil || m.registered == nil {
		return
	}
	m.registered.Add(context.Background(), 1, metric.WithAttributes(formatAttr(format)))
}

func (m *registryMetrics) recordDownload(format string) {
	if m == nil || m.downloads == nil {
		return
	}
	m.downloads.Add(context.Background(), 1, metric.WithAttributes(formatAttr(format)))
}

func (m *registryMetrics) recordReaped(count int) {
	if m == nil || m.reaped == nil || count <= 0 {
		return
	}
	m.reaped.Add(context.Background(), int64(count))
}

// builderMetrics counts export builds and per-format conversion failures.
type builderMetrics struct {
	builds   metric.Int64Counter
	failures metric.Int64Counter
}

func newBuilderMetrics(logger pslog.Logger) *builderMetrics {
	meter := otel.Meter(meterName)
	m := &builderMetrics{}
	var err error

	m.builds, err = meter.Int64Counter(
		"refd.exports.builds",
		metric.WithDescription("Export build invocations"),
	)
	logMetricInitError(logger, "refd.exports.builds", err)

	m.failures, err = meter.Int64Counter(
		"refd.exports.conversion_failures",
		metric.WithDescription("Failed per-format conversions"),
	)
	logMetricInitError(logger, "refd.exports.conversion_failures", err)

	return m
}

func (m *builderMetrics) recordBuild(ctx context.Context) {
	if m == nil || m.builds == nil {
		return
	}
	m.builds.Add(metricContext(ctx), 1)
}

func (m *builderMetrics) recordConversionFailure(ctx context.Context, format string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(metricContext(ctx), 1, metric.WithAttributes(formatAttr(format)))
}

func formatAttr(format string) attribute.KeyValue {
	if format == "" {
		format = "unknown"
	}
	return attribute.String("refd.format", format)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

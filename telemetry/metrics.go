package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/buildcache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	opsTotal      metric.Int64Counter
	opDuration    metric.Float64Histogram
	suppliedTotal metric.Int64Counter

	payloadWritesTotal  metric.Int64Counter
	payloadWriteSize    metric.Float64Histogram
	payloadStoredBytes  metric.Int64Counter
	payloadRemovesTotal metric.Int64Counter

	refreshesTotal metric.Int64Counter

	sweepRepairsTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	slowLockHoldsTotal metric.Int64Counter
	slowLockHold       metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "buildcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	opsTotal, err := meter.Int64Counter(
		"buildcache_operations_total",
		metric.WithDescription("Total cache operations by operation and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	opDuration, err := meter.Float64Histogram(
		"buildcache_operation_duration_seconds",
		metric.WithDescription("Cache operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	suppliedTotal, err := meter.Int64Counter(
		"buildcache_supplier_invocations_total",
		metric.WithDescription("Total payload supplier invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	payloadWritesTotal, err := meter.Int64Counter(
		"buildcache_payload_writes_total",
		metric.WithDescription("Total payload writes to the blob store"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	payloadWriteSize, err := meter.Float64Histogram(
		"buildcache_payload_write_size_bytes",
		metric.WithDescription("Size of payloads written to the blob store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824),
	)
	if err != nil {
		return nil, err
	}

	payloadStoredBytes, err := meter.Int64Counter(
		"buildcache_payload_stored_bytes_total",
		metric.WithDescription("Total bytes written to the blob store after compression"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	payloadRemovesTotal, err := meter.Int64Counter(
		"buildcache_payload_removes_total",
		metric.WithDescription("Total payload removals, immediate or deferred until readers close"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	refreshesTotal, err := meter.Int64Counter(
		"buildcache_recency_refreshes_total",
		metric.WithDescription("Total recency refresh attempts on read"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	sweepRepairsTotal, err := meter.Int64Counter(
		"buildcache_sweep_repairs_total",
		metric.WithDescription("Total index inconsistencies repaired by the sweep"),
		metric.WithUnit("{repair}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"buildcache_sweep_duration_seconds",
		metric.WithDescription("Duration of consistency sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}

	slowLockHoldsTotal, err := meter.Int64Counter(
		"buildcache_lock_slow_holds_total",
		metric.WithDescription("Total key lock holds that exceeded the slow threshold"),
		metric.WithUnit("{hold}"),
	)
	if err != nil {
		return nil, err
	}

	slowLockHold, err := meter.Float64Histogram(
		"buildcache_lock_slow_hold_duration_seconds",
		metric.WithDescription("Duration of slow key lock holds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		opsTotal:            opsTotal,
		opDuration:          opDuration,
		suppliedTotal:       suppliedTotal,
		payloadWritesTotal:  payloadWritesTotal,
		payloadWriteSize:    payloadWriteSize,
		payloadStoredBytes:  payloadStoredBytes,
		payloadRemovesTotal: payloadRemovesTotal,
		refreshesTotal:      refreshesTotal,
		sweepRepairsTotal:   sweepRepairsTotal,
		sweepDuration:       sweepDuration,
		slowLockHoldsTotal:  slowLockHoldsTotal,
		slowLockHold:        slowLockHold,
	}, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordCacheOp records one cache facade operation.
// The caller label is read from the context (see WithCaller).
func RecordCacheOp(ctx context.Context, op Op, result Result, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", string(op)),
		attribute.String("result", string(result)),
		attribute.String("caller", CallerFromContext(ctx)),
	)
	globalMetrics.opsTotal.Add(ctx, 1, attrs)
	globalMetrics.opDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("op", string(op))))
}

// RecordSupplierInvocation records a call to a put supplier.
func RecordSupplierInvocation(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.suppliedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPayloadWrite records a blob store write with its payload and stored sizes.
func RecordPayloadWrite(ctx context.Context, outcome string, size, stored int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.payloadWritesTotal.Add(ctx, 1, attrs)
	if outcome != OutcomeSuccess {
		return
	}
	globalMetrics.payloadWriteSize.Record(ctx, float64(size), attrs)
	if stored > 0 {
		globalMetrics.payloadStoredBytes.Add(ctx, stored)
	}
}

// RecordPayloadRemove records a blob removal. deferred is true when chunk
// deletion waits for open readers.
func RecordPayloadRemove(ctx context.Context, deferred bool) {
	if globalMetrics == nil {
		return
	}
	mode := "immediate"
	if deferred {
		mode = "deferred"
	}
	globalMetrics.payloadRemovesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordRefresh records a recency refresh attempt on read.
// outcome is OutcomeSuccess, OutcomeSkipped (key lock busy) or OutcomeError.
func RecordRefresh(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.refreshesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSweep records one consistency sweep. repairs maps a repair kind such as
// "dangling_recency" to the number of entries fixed.
func RecordSweep(ctx context.Context, repairs map[string]int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	for kind, n := range repairs {
		if n == 0 {
			continue
		}
		globalMetrics.sweepRepairsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
	}
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordSlowLockHold records a key lock held longer than the slow threshold.
func RecordSlowLockHold(ctx context.Context, held time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.slowLockHoldsTotal.Add(ctx, 1)
	globalMetrics.slowLockHold.Record(ctx, held.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}

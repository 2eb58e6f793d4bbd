package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds GC-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal             metric.Int64Counter
	runDuration           metric.Float64Histogram
	indexRepairs          metric.Int64Counter
	orphanPayloadsDeleted metric.Int64Counter
	lruEntriesEvicted     metric.Int64Counter
	bytesReclaimed        metric.Int64Counter
	compactionsTotal      metric.Int64Counter
	errorsTotal           metric.Int64Counter
	lastRunTimestamp      metric.Float64Gauge
	lastRunSuccess        metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"buildcache_gc_runs_total",
		metric.WithDescription("Total number of GC runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"buildcache_gc_run_duration_seconds",
		metric.WithDescription("GC run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	indexRepairs, err := meter.Int64Counter(
		"buildcache_gc_index_repairs_total",
		metric.WithDescription("Total index entries repaired by the consistency sweep"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	orphanPayloadsDeleted, err := meter.Int64Counter(
		"buildcache_gc_orphan_payloads_deleted_total",
		metric.WithDescription("Total unreferenced payloads and chunk runs deleted"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	lruEntriesEvicted, err := meter.Int64Counter(
		"buildcache_gc_lru_entries_evicted_total",
		metric.WithDescription("Total number of entries evicted by LRU policy"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"buildcache_gc_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by GC"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	compactionsTotal, err := meter.Int64Counter(
		"buildcache_gc_compactions_total",
		metric.WithDescription("Total number of database compactions"),
		metric.WithUnit("{compaction}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"buildcache_gc_errors_total",
		metric.WithDescription("Total number of GC errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"buildcache_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last GC run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"buildcache_gc_last_run_success",
		metric.WithDescription("Whether last GC run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:             runsTotal,
		runDuration:           runDuration,
		indexRepairs:          indexRepairs,
		orphanPayloadsDeleted: orphanPayloadsDeleted,
		lruEntriesEvicted:     lruEntriesEvicted,
		bytesReclaimed:        bytesReclaimed,
		compactionsTotal:      compactionsTotal,
		errorsTotal:           errorsTotal,
		lastRunTimestamp:      lastRunTimestamp,
		lastRunSuccess:        lastRunSuccess,
	}, nil
}

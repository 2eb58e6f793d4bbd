package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordCacheOp(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithCaller(context.Background(), "cli")
	RecordCacheOp(ctx, OpGet, ResultHit, 2*time.Millisecond)
	RecordCacheOp(ctx, OpGet, ResultHit, 3*time.Millisecond)
	RecordCacheOp(ctx, OpGet, ResultMiss, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "buildcache_operations_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "op", "get"))
		require.True(t, hasAttr(dp.Attributes, "caller", "cli"))
		switch {
		case hasAttr(dp.Attributes, "result", "hit"):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "result", "miss"):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected attributes %v", dp.Attributes)
		}
	}

	// Duration is labelled by op only
	hist := findHistogram(rm, "buildcache_operation_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(3), hist[0].Count)
	_, hasResult := hist[0].Attributes.Value(attribute.Key("result"))
	require.False(t, hasResult)
}

func TestRecordPayloadWrite(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPayloadWrite(ctx, OutcomeSuccess, 4096, 1024, time.Millisecond)
	RecordPayloadWrite(ctx, OutcomeError, 0, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	writes := findCounter(rm, "buildcache_payload_writes_total")
	require.Len(t, writes, 2)

	sizes := findHistogram(rm, "buildcache_payload_write_size_bytes")
	require.Len(t, sizes, 1)
	require.True(t, hasAttr(sizes[0].Attributes, "outcome", OutcomeSuccess))
	require.InDelta(t, 4096, sizes[0].Sum, 0.001)

	stored := findCounter(rm, "buildcache_payload_stored_bytes_total")
	require.Len(t, stored, 1)
	require.EqualValues(t, 1024, stored[0].Value)
}

func TestRecordPayloadRemove(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPayloadRemove(ctx, false)
	RecordPayloadRemove(ctx, true)
	RecordPayloadRemove(ctx, true)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "buildcache_payload_removes_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "mode", "deferred") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "mode", "immediate"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordSweep_SkipsZeroRepairs(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordSweep(context.Background(), map[string]int{
		"dangling_recency": 3,
		"missing_recency":  0,
	}, 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "buildcache_sweep_repairs_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "dangling_recency"))
	require.EqualValues(t, 3, dps[0].Value)

	hist := findHistogram(rm, "buildcache_sweep_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestRecordRefreshAndLocks(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordRefresh(ctx, OutcomeSkipped)
	RecordSupplierInvocation(ctx, OutcomeSuccess)
	RecordSlowLockHold(ctx, 2*time.Second)

	rm := collectMetrics(t, reader)

	refreshes := findCounter(rm, "buildcache_recency_refreshes_total")
	require.Len(t, refreshes, 1)
	require.True(t, hasAttr(refreshes[0].Attributes, "outcome", OutcomeSkipped))

	supplied := findCounter(rm, "buildcache_supplier_invocations_total")
	require.Len(t, supplied, 1)

	holds := findCounter(rm, "buildcache_lock_slow_holds_total")
	require.Len(t, holds, 1)
	require.EqualValues(t, 1, holds[0].Value)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// Should not panic
	RecordCacheOp(ctx, OpPut, ResultStored, time.Millisecond)
	RecordSupplierInvocation(ctx, OutcomeError)
	RecordPayloadWrite(ctx, OutcomeSuccess, 1, 1, time.Millisecond)
	RecordPayloadRemove(ctx, true)
	RecordRefresh(ctx, OutcomeSuccess)
	RecordSweep(ctx, map[string]int{"x": 1}, time.Millisecond)
	RecordSlowLockHold(ctx, time.Second)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

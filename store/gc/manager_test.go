package gc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/wolfeidau/buildcache/store"
	"github.com/wolfeidau/buildcache/store/index"
	"github.com/wolfeidau/buildcache/store/kv"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...store.Option) *store.LRUStore {
	t.Helper()
	opts = append([]store.Option{store.WithNoSync(true)}, opts...)
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fillStore writes n entries of size bytes, one second apart, oldest first.
func fillStore(t *testing.T, s *store.LRUStore, clock *testClock, n, size int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		payload := make([]byte, size)
		payload[0] = byte(i)
		require.NoError(t, s.PutBytes(ctx, []byte(fmt.Sprintf("key-%02d", i)), payload))
	}
}

func remainingKeys(t *testing.T, s *store.LRUStore) []string {
	t.Helper()
	entries, err := s.Oldest(context.Background(), nil, 0)
	require.NoError(t, err)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, string(e.Key))
	}
	return keys
}

func TestManager_RunNow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.PutBytes(ctx, []byte("k"), []byte("v")))

	config := DefaultConfig()
	config.BatchSize = 100

	mgr := New(s, config)
	result, err := mgr.RunNow(ctx)

	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Sweep)
	assert.Empty(t, result.Errors)
	assert.Zero(t, result.LRUEntriesEvicted)
	assert.Greater(t, result.Duration, time.Duration(0))

	ok, err := s.ContainsKey(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_StartStop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	config := DefaultConfig()
	config.StartupDelay = 10 * time.Millisecond
	config.Interval = 50 * time.Millisecond

	mgr := New(s, config)
	mgr.Start(ctx)

	require.Eventually(t, func() bool {
		return mgr.Status() != nil
	}, 2*time.Second, 10*time.Millisecond, "should have run at least once")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	err := mgr.Stop(stopCtx)
	require.NoError(t, err)

	err = mgr.Stop(stopCtx)
	require.NoError(t, err, "stop should be idempotent")
}

func TestManager_PhaseLRUEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("evicts oldest until under quota", func(t *testing.T) {
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s := newTestStore(t, store.WithNow(clock.Now))
		fillStore(t, s, clock, 10, 1000)

		config := DefaultConfig()
		config.MaxCacheBytes = 5500
		config.CompactInterval = 0

		mgr := New(s, config)
		result, err := mgr.RunNow(ctx)
		require.NoError(t, err)
		assert.Empty(t, result.Errors)

		assert.Equal(t, 5, result.LRUEntriesEvicted)
		assert.Equal(t, int64(5000), result.BytesReclaimed)
		assert.Equal(t, []string{"key-05", "key-06", "key-07", "key-08", "key-09"}, remainingKeys(t, s))
	})

	t.Run("recently read entries survive", func(t *testing.T) {
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s := newTestStore(t, store.WithNow(clock.Now))
		fillStore(t, s, clock, 4, 1000)

		clock.Advance(time.Second)
		_, ok, err := s.GetBytes(ctx, []byte("key-00"))
		require.NoError(t, err)
		require.True(t, ok)

		config := DefaultConfig()
		config.MaxCacheBytes = 2000
		config.CompactInterval = 0

		result, err := New(s, config).RunNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.LRUEntriesEvicted)
		assert.Equal(t, []string{"key-03", "key-00"}, remainingKeys(t, s))
	})

	t.Run("batch size limits evictions", func(t *testing.T) {
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s := newTestStore(t, store.WithNow(clock.Now))
		fillStore(t, s, clock, 10, 1000)

		config := DefaultConfig()
		config.MaxCacheBytes = 1000
		config.BatchSize = 3
		config.CompactInterval = 0

		result, err := New(s, config).RunNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, result.LRUEntriesEvicted)
		assert.Len(t, remainingKeys(t, s), 7)
	})

	t.Run("within quota", func(t *testing.T) {
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s := newTestStore(t, store.WithNow(clock.Now))
		fillStore(t, s, clock, 3, 1000)

		config := DefaultConfig()
		config.MaxCacheBytes = 1 << 20

		result, err := New(s, config).RunNow(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.LRUEntriesEvicted)
		assert.Len(t, remainingKeys(t, s), 3)
	})
}

func TestManager_PhaseCompact(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t)

	config := DefaultConfig()
	config.CompactThreshold = 0
	config.CompactInterval = time.Hour

	mgr := New(s, config, WithNow(clock.Now))

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.True(t, result.Compacted)

	clock.Advance(time.Minute)
	result, err = mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.False(t, result.Compacted, "should wait for the compact interval")

	clock.Advance(time.Hour)
	result, err = mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.True(t, result.Compacted)
}

// failingStore fails every maintenance call.
type failingStore struct {
	store.Evictable
	err error
}

func (f *failingStore) Sweep(context.Context, time.Duration) (*store.SweepResult, error) {
	return nil, f.err
}

func (f *failingStore) Stats(context.Context) (*store.Stats, error) {
	return nil, f.err
}

func (f *failingStore) Oldest(context.Context, *index.Entry, int) ([]index.Entry, error) {
	return nil, f.err
}

func (f *failingStore) Compact(context.Context) (*kv.CompactResult, error) {
	return nil, f.err
}

func TestManager_PhaseErrorsAreCollected(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{err: errors.New("disk unhappy")}

	config := DefaultConfig()
	config.MaxCacheBytes = 1

	result, err := New(fs, config).RunNow(ctx)
	require.NoError(t, err)
	assert.Nil(t, result.Sweep)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "sweep")
	assert.Contains(t, result.Errors[1], "stats")
	assert.Contains(t, result.Errors[2], "stats")
}

func TestManager_Metrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestStore(t, store.WithNow(clock.Now))
	fillStore(t, s, clock, 4, 1000)

	config := DefaultConfig()
	config.MaxCacheBytes = 2000
	config.CompactInterval = 0

	mgr := New(s, config, WithMetrics(mp.Meter("test")))
	_, err := mgr.RunNow(ctx)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counters := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					counters[m.Name] += dp.Value
				}
			}
		}
	}
	assert.EqualValues(t, 1, counters["buildcache_gc_runs_total"])
	assert.EqualValues(t, 2, counters["buildcache_gc_lru_entries_evicted_total"])
	assert.EqualValues(t, 2000, counters["buildcache_gc_bytes_reclaimed_total"])
}

func TestManager_Status(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mgr := New(s, DefaultConfig())

	assert.Nil(t, mgr.Status(), "status should be nil before first run")

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)

	status := mgr.Status()
	require.NotNil(t, status)
	assert.Equal(t, result.StartedAt, status.StartedAt)
	assert.Equal(t, result.Duration, status.Duration)
	assert.Equal(t, result.LRUEntriesEvicted, status.LRUEntriesEvicted)
	assert.Equal(t, result.BytesReclaimed, status.BytesReclaimed)
}

func TestManager_ContextCancellation(t *testing.T) {
	s := newTestStore(t)

	config := DefaultConfig()
	config.StartupDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	mgr := New(s, config)
	mgr.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, mgr.Stop(stopCtx))
	assert.Nil(t, mgr.Status(), "no run should happen before the startup delay")

	_, err := mgr.RunNow(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestManager_DoubleStart(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	config := DefaultConfig()
	config.StartupDelay = time.Hour

	mgr := New(s, config)
	mgr.Start(ctx)
	mgr.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	err := mgr.Stop(stopCtx)
	require.NoError(t, err)
}

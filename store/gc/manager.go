// Package gc runs background maintenance for the build cache: consistency
// sweeps, size-bounded LRU eviction and database compaction.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/buildcache/store"
	"go.opentelemetry.io/otel/metric"
)

// Config configures the GC manager.
type Config struct {
	Interval         time.Duration // How often to run (default: 1h)
	StartupDelay     time.Duration // Delay before first run (default: 5m)
	MaxCacheBytes    int64         // Target max payload bytes, 0 disables eviction
	BatchSize        int           // Max entries evicted per run (default: 1000)
	SweepGrace       time.Duration // Min age of an unreferenced payload before removal (default: 1h)
	CompactInterval  time.Duration // Min time between compactions, 0 disables (default: 24h)
	CompactThreshold float64       // Compact if free pages > threshold of file size (default: 0.3)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         1 * time.Hour,
		StartupDelay:     5 * time.Minute,
		MaxCacheBytes:    0, // No limit by default
		BatchSize:        1000,
		SweepGrace:       1 * time.Hour,
		CompactInterval:  24 * time.Hour,
		CompactThreshold: 0.3,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt         time.Time          `json:"started_at"`
	Duration          time.Duration      `json:"duration"`
	Sweep             *store.SweepResult `json:"sweep,omitempty"`
	LRUEntriesEvicted int                `json:"lru_entries_evicted"`
	BytesReclaimed    int64              `json:"bytes_reclaimed"`
	Compacted         bool               `json:"compacted"`
	Errors            []string           `json:"errors,omitempty"`
}

// Manager manages background maintenance for a store.
type Manager struct {
	store   store.Evictable
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopCh      chan struct{}
	doneCh      chan struct{}
	mu          sync.Mutex
	running     bool
	lastRun     *Result
	lastCompact time.Time
	runMu       sync.Mutex
}

// New creates a new GC manager.
func New(s store.Evictable, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  s,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.run(ctx, stopCh, doneCh)
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run. Runs never overlap.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.runGC(ctx), nil
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"max_cache_bytes", m.config.MaxCacheBytes,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{
		StartedAt: m.now(),
	}
	start := time.Now()

	m.logger.Info("starting gc run")

	// Phase 1: repair indexes and reclaim orphaned payloads
	m.phaseSweep(ctx, result)

	// Phase 2: LRU eviction if over quota
	m.phaseLRUEviction(ctx, result)

	// Phase 3: compact the database file
	m.phaseCompact(ctx, result)

	result.Duration = time.Since(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"lru_entries_evicted", result.LRUEntriesEvicted,
		"bytes_reclaimed", result.BytesReclaimed,
		"compacted", result.Compacted,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	if result.Sweep != nil {
		m.metrics.indexRepairs.Add(ctx, int64(result.Sweep.DanglingRecency+result.Sweep.Realigned+
			result.Sweep.MissingRecency+result.Sweep.MissingPayload))
		m.metrics.orphanPayloadsDeleted.Add(ctx, int64(result.Sweep.OrphanPayloads+result.Sweep.OrphanChunkRuns))
	}
	m.metrics.lruEntriesEvicted.Add(ctx, int64(result.LRUEntriesEvicted))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	if result.Compacted {
		m.metrics.compactionsTotal.Add(ctx, 1)
	}
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

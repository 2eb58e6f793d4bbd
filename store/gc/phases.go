package gc

import (
	"context"
	"fmt"

	"github.com/wolfeidau/buildcache/store/index"
)

// evictPageSize is how many recency entries are scanned per page.
const evictPageSize = 100

// phaseSweep repairs index inconsistencies and reclaims orphaned payloads.
func (m *Manager) phaseSweep(ctx context.Context, result *Result) {
	m.logger.Debug("phase: consistency sweep")

	res, err := m.store.Sweep(ctx, m.config.SweepGrace)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sweep: %v", err))
		m.logger.Error("consistency sweep failed", "error", err)
		return
	}
	result.Sweep = res
}

// phaseLRUEviction evicts least recently used entries if over quota.
func (m *Manager) phaseLRUEviction(ctx context.Context, result *Result) {
	if m.config.MaxCacheBytes <= 0 {
		return
	}

	m.logger.Debug("phase: LRU eviction")

	stats, err := m.store.Stats(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("get cache stats: %v", err))
		m.logger.Error("failed to get cache stats", "error", err)
		return
	}

	if stats.PayloadBytes <= m.config.MaxCacheBytes {
		m.logger.Debug("cache within quota", "total_size", stats.PayloadBytes, "max_size", m.config.MaxCacheBytes)
		return
	}

	bytesToFree := stats.PayloadBytes - m.config.MaxCacheBytes
	m.logger.Info("cache over quota, starting LRU eviction",
		"total_size", stats.PayloadBytes,
		"max_size", m.config.MaxCacheBytes,
		"bytes_to_free", bytesToFree,
	)

	var (
		bytesFreed int64
		after      *index.Entry
	)

	for bytesFreed < bytesToFree && result.LRUEntriesEvicted < m.config.BatchSize {
		if ctx.Err() != nil {
			return
		}

		entries, err := m.store.Oldest(ctx, after, evictPageSize)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("get LRU entries: %v", err))
			m.logger.Error("failed to get LRU entries", "error", err)
			return
		}
		if len(entries) == 0 {
			return
		}
		after = &entries[len(entries)-1]

		for _, e := range entries {
			if bytesFreed >= bytesToFree || result.LRUEntriesEvicted >= m.config.BatchSize {
				break
			}

			freed, evicted, err := m.store.Evict(ctx, e)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("evict %x: %v", e.Key, err))
				m.logger.Error("failed to evict entry", "key", e.Key, "error", err)
				continue
			}
			if !evicted {
				// Touched or deleted since the scan.
				continue
			}

			bytesFreed += freed
			result.LRUEntriesEvicted++
			result.BytesReclaimed += freed

			m.logger.Debug("evicted LRU entry",
				"key", e.Key,
				"size", freed,
				"last_access", e.Time(),
			)
		}
	}
}

// phaseCompact compacts the database when enough pages are free and the last
// compaction is older than CompactInterval.
func (m *Manager) phaseCompact(ctx context.Context, result *Result) {
	if m.config.CompactInterval <= 0 {
		return
	}
	if !m.lastCompact.IsZero() && m.now().Sub(m.lastCompact) < m.config.CompactInterval {
		return
	}

	m.logger.Debug("phase: compact")

	stats, err := m.store.Stats(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("get cache stats: %v", err))
		m.logger.Error("failed to get cache stats", "error", err)
		return
	}
	if stats.DBSize <= 0 {
		return
	}

	ratio := float64(stats.FreeBytes) / float64(stats.DBSize)
	if ratio < m.config.CompactThreshold {
		m.logger.Debug("skipping compaction", "free_ratio", ratio, "threshold", m.config.CompactThreshold)
		return
	}

	res, err := m.store.Compact(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("compact: %v", err))
		m.logger.Error("failed to compact database", "error", err)
		return
	}

	m.lastCompact = m.now()
	result.Compacted = true
	if res.BytesBefore > res.BytesAfter {
		result.BytesReclaimed += res.BytesBefore - res.BytesAfter
	}
}

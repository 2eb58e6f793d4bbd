package store

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store/index"
	"github.com/wolfeidau/buildcache/telemetry"
)

const sweepPageSize = 1000

// SweepResult reports what a consistency sweep repaired.
type SweepResult struct {
	// DanglingRecency is the number of recency entries removed because no
	// primary entry matched them.
	DanglingRecency int `json:"dangling_recency"`
	// Realigned is the number of recency entries moved to the primary timestamp.
	Realigned int `json:"realigned"`
	// MissingRecency is the number of recency entries recreated for primary entries.
	MissingRecency int `json:"missing_recency"`
	// MissingPayload is the number of entries removed because their payload was gone.
	MissingPayload int `json:"missing_payload"`
	// OrphanPayloads is the number of payloads removed that no entry referenced.
	OrphanPayloads int `json:"orphan_payloads"`
	// OrphanChunkRuns is the number of uncommitted chunk runs removed.
	OrphanChunkRuns int `json:"orphan_chunk_runs"`

	Duration time.Duration `json:"duration"`
}

func (r *SweepResult) repairs() map[string]int {
	return map[string]int{
		"dangling_recency":  r.DanglingRecency,
		"realigned":         r.Realigned,
		"missing_recency":   r.MissingRecency,
		"missing_payload":   r.MissingPayload,
		"orphan_payloads":   r.OrphanPayloads,
		"orphan_chunk_runs": r.OrphanChunkRuns,
	}
}

// Sweep restores consistency between the indexes and the payload store:
//
//   - recency entries without a matching primary entry are removed, or moved to
//     the primary timestamp when the primary entry has no recency entry
//   - primary entries without a recency entry get one
//   - primary entries whose payload is missing are removed
//   - payloads older than grace that no entry references are removed
//   - chunk runs without a committed payload are removed
//
// Every per-key repair runs under the key's stripe lock, so Sweep is safe to run
// alongside normal traffic. grace must exceed the longest expected put.
func (s *LRUStore) Sweep(ctx context.Context, grace time.Duration) (*SweepResult, error) {
	start := time.Now()
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	res := &SweepResult{}

	if err := s.sweepRecency(ctx, res); err != nil {
		return nil, err
	}
	live, err := s.sweepPrimary(ctx, res)
	if err != nil {
		return nil, err
	}
	if err := s.sweepPayloads(ctx, live, grace, res); err != nil {
		return nil, err
	}

	n, err := s.blobs.SweepChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweeping chunks: %w", err)
	}
	res.OrphanChunkRuns = n

	res.Duration = time.Since(start)
	telemetry.RecordSweep(ctx, res.repairs(), res.Duration)
	s.logger.Info("consistency sweep complete",
		"dangling_recency", res.DanglingRecency,
		"realigned", res.Realigned,
		"missing_recency", res.MissingRecency,
		"missing_payload", res.MissingPayload,
		"orphan_payloads", res.OrphanPayloads,
		"orphan_chunk_runs", res.OrphanChunkRuns,
		"duration", res.Duration,
	)
	return res, nil
}

func (s *LRUStore) sweepRecency(ctx context.Context, res *SweepResult) error {
	var after *index.Entry
	for {
		page, err := s.recency.Ascend(ctx, after, sweepPageSize)
		if err != nil {
			return fmt.Errorf("scanning recency index: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, e := range page {
			if err := s.checkRecency(ctx, e, res); err != nil {
				return err
			}
		}
		after = &page[len(page)-1]
	}
}

func (s *LRUStore) checkRecency(ctx context.Context, e index.Entry, res *SweepResult) error {
	unlock := s.locks.Lock(e.Key)
	defer unlock()

	cur, ok, err := s.primary.Get(ctx, e.Key)
	if err != nil {
		return fmt.Errorf("looking up key: %w", err)
	}
	if ok && cur.Timestamp == e.Timestamp && cur.BlobID == e.BlobID {
		return nil
	}

	if ok && cur.Timestamp == e.Timestamp {
		// Same slot, wrong blob id.
		if err := s.recency.Insert(ctx, cur); err != nil {
			return fmt.Errorf("realigning recency entry: %w", err)
		}
		res.Realigned++
		return nil
	}

	if ok {
		_, has, err := s.recency.Get(ctx, cur.Timestamp, cur.Key)
		if err != nil {
			return fmt.Errorf("looking up recency entry: %w", err)
		}
		if !has {
			if err := s.recency.Move(ctx, e.Timestamp, cur); err != nil {
				return fmt.Errorf("realigning recency entry: %w", err)
			}
			res.Realigned++
			return nil
		}
	}

	removed, err := s.recency.Remove(ctx, e.Timestamp, e.Key)
	if err != nil {
		return fmt.Errorf("removing dangling recency entry: %w", err)
	}
	if removed {
		res.DanglingRecency++
		s.logger.Debug("removed dangling recency entry", "key", e.Key, "timestamp", e.Timestamp)
	}
	return nil
}

func (s *LRUStore) sweepPrimary(ctx context.Context, res *SweepResult) (map[buildcache.BlobID]struct{}, error) {
	live := make(map[buildcache.BlobID]struct{})
	var after []byte
	for {
		page, err := s.primary.Ascend(ctx, after, sweepPageSize)
		if err != nil {
			return nil, fmt.Errorf("scanning primary index: %w", err)
		}
		if len(page) == 0 {
			return live, nil
		}
		for _, e := range page {
			id, ok, err := s.checkPrimary(ctx, e.Key, res)
			if err != nil {
				return nil, err
			}
			if ok {
				live[id] = struct{}{}
			}
		}
		after = page[len(page)-1].Key
	}
}

func (s *LRUStore) checkPrimary(ctx context.Context, key []byte, res *SweepResult) (buildcache.BlobID, bool, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	cur, ok, err := s.primary.Get(ctx, key)
	if err != nil || !ok {
		return buildcache.BlobID{}, false, err
	}

	if _, err := s.blobs.Stat(ctx, cur.BlobID); err != nil {
		if !isNotFound(err) {
			return buildcache.BlobID{}, false, fmt.Errorf("checking payload: %w", err)
		}
		if _, _, err := s.remove(ctx, key, &cur); err != nil {
			return buildcache.BlobID{}, false, err
		}
		res.MissingPayload++
		s.logger.Warn("removed cache entry with missing payload", "key", key, "blob_id", cur.BlobID)
		return buildcache.BlobID{}, false, nil
	}

	_, has, err := s.recency.Get(ctx, cur.Timestamp, key)
	if err != nil {
		return buildcache.BlobID{}, false, fmt.Errorf("looking up recency entry: %w", err)
	}
	if !has {
		if err := s.recency.Insert(ctx, cur); err != nil {
			return buildcache.BlobID{}, false, fmt.Errorf("restoring recency entry: %w", err)
		}
		res.MissingRecency++
		s.logger.Debug("restored missing recency entry", "key", key, "timestamp", cur.Timestamp)
	}
	return cur.BlobID, true, nil
}

func (s *LRUStore) sweepPayloads(ctx context.Context, live map[buildcache.BlobID]struct{}, grace time.Duration, res *SweepResult) error {
	cutoff := s.now().Add(-grace)
	var after *buildcache.BlobID
	for {
		page, err := s.blobs.Manifests(ctx, after, sweepPageSize)
		if err != nil {
			return fmt.Errorf("scanning payloads: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, m := range page {
			if _, ok := live[m.ID]; ok || m.CreatedAt.After(cutoff) {
				continue
			}
			if err := s.blobs.Remove(ctx, m.ID); err != nil {
				return fmt.Errorf("removing orphan payload: %w", err)
			}
			res.OrphanPayloads++
			s.logger.Debug("removed orphan payload", "blob_id", m.ID, "size", m.Size)
		}
		after = &page[len(page)-1].ID
	}
}

// VerifyFailure describes an entry whose payload could not be read back intact.
type VerifyFailure struct {
	Key    []byte
	BlobID buildcache.BlobID
	Err    error
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Checked  int
	Failures []VerifyFailure
}

// Verify reads every payload in full, checking its size and digest. Up to
// workers payloads are read at a time.
func (s *LRUStore) Verify(ctx context.Context, workers int) (*VerifyResult, error) {
	if workers <= 0 {
		workers = 1
	}

	var (
		mu  sync.Mutex
		res VerifyResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var after []byte
	for {
		page, err := s.Entries(gctx, after, sweepPageSize)
		if err != nil {
			_ = g.Wait()
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			g.Go(func() error {
				verr := s.verifyEntry(gctx, e)
				if gctx.Err() != nil {
					return gctx.Err()
				}

				mu.Lock()
				defer mu.Unlock()
				res.Checked++
				if verr != nil {
					res.Failures = append(res.Failures, VerifyFailure{Key: e.Key, BlobID: e.BlobID, Err: verr})
				}
				return nil
			})
		}
		after = page[len(page)-1].Key
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *LRUStore) verifyEntry(ctx context.Context, e index.Entry) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()

	rc, err := s.blobs.Open(ctx, e.BlobID)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	_, err = io.Copy(io.Discard, rc)
	return err
}

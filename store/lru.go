package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store/blobstore"
	"github.com/wolfeidau/buildcache/store/index"
	"github.com/wolfeidau/buildcache/store/kv"
	"github.com/wolfeidau/buildcache/store/stripe"
	"github.com/wolfeidau/buildcache/telemetry"
)

// DefaultConcurrency is the expected number of concurrent callers used to size
// the stripe lock pool.
const DefaultConcurrency = 64

// LRUStore is a Cache backed by a single bbolt file holding the payload chunks,
// the primary index and the recency index.
//
// Mutations of one key are serialized by the key's stripe lock; the two indexes
// are not updated in a shared transaction. Write order is chosen so a crash can
// only leave recency entries without a primary entry, which Sweep removes.
type LRUStore struct {
	db      *kv.DB
	blobs   *blobstore.Store
	primary *index.Primary
	recency *index.Recency
	locks   *stripe.Locks

	logger *slog.Logger
	now    func() time.Time

	concurrency   int
	keySize       int
	slowThreshold time.Duration
	kvOpts        []kv.Option
	blobOpts      []blobstore.Option

	mu     sync.RWMutex
	closed bool
}

var _ Evictable = (*LRUStore)(nil)

// Option configures an LRUStore.
type Option func(*LRUStore)

// WithLogger sets the logger for the store and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(s *LRUStore) {
		s.logger = logger
	}
}

// WithNow sets the clock used for entry timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *LRUStore) {
		s.now = now
	}
}

// WithConcurrency sets the expected number of concurrent callers.
func WithConcurrency(n int) Option {
	return func(s *LRUStore) {
		s.concurrency = n
	}
}

// WithKeySize restricts keys to exactly n bytes, which keeps key and recency
// order byte-lexicographic. Zero accepts any non-empty key.
func WithKeySize(n int) Option {
	return func(s *LRUStore) {
		s.keySize = n
	}
}

// WithSlowLockThreshold sets how long a key lock may be held before a warning
// is logged. Zero disables the warning.
func WithSlowLockThreshold(d time.Duration) Option {
	return func(s *LRUStore) {
		s.slowThreshold = d
	}
}

// WithNoSync disables fsync on commit. Only for tests and throwaway caches.
func WithNoSync(noSync bool) Option {
	return func(s *LRUStore) {
		s.kvOpts = append(s.kvOpts, kv.WithNoSync(noSync))
	}
}

// WithOpenTimeout bounds how long Open waits for the database file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *LRUStore) {
		s.kvOpts = append(s.kvOpts, kv.WithTimeout(d))
	}
}

// WithChunkSize sets the payload chunk size.
func WithChunkSize(n int) Option {
	return func(s *LRUStore) {
		s.blobOpts = append(s.blobOpts, blobstore.WithChunkSize(n))
	}
}

// WithCompression enables or disables payload compression.
func WithCompression(enabled bool) Option {
	return func(s *LRUStore) {
		s.blobOpts = append(s.blobOpts, blobstore.WithCompression(enabled))
	}
}

// WithCompressionLevel sets the zstd level for payload chunks.
func WithCompressionLevel(level zstd.EncoderLevel) Option {
	return func(s *LRUStore) {
		s.blobOpts = append(s.blobOpts, blobstore.WithCompressionLevel(level))
	}
}

// Open opens or creates the store at path.
func Open(path string, opts ...Option) (*LRUStore, error) {
	s := &LRUStore{
		logger:        slog.Default(),
		now:           time.Now,
		concurrency:   DefaultConcurrency,
		slowThreshold: stripe.DefaultSlowThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := kv.Open(path, append([]kv.Option{kv.WithLogger(s.logger)}, s.kvOpts...)...)
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.New(db, append([]blobstore.Option{
		blobstore.WithLogger(s.logger),
		blobstore.WithNow(s.now),
	}, s.blobOpts...)...)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	primary, err := index.NewPrimary(db)
	if err != nil {
		blobs.Close()
		_ = db.Close()
		return nil, fmt.Errorf("opening primary index: %w", err)
	}
	recency, err := index.NewRecency(db)
	if err != nil {
		blobs.Close()
		_ = db.Close()
		return nil, fmt.Errorf("opening recency index: %w", err)
	}

	s.db = db
	s.blobs = blobs
	s.primary = primary
	s.recency = recency
	s.locks = stripe.New(s.concurrency,
		stripe.WithLogger(s.logger),
		stripe.WithSlowThreshold(s.slowThreshold),
	)

	s.logger.Info("opened build cache", "path", path, "stripes", s.locks.Len())
	return s, nil
}

// Close closes the store. Later operations return ErrClosed.
func (s *LRUStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.blobs.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	s.logger.Info("closed build cache", "path", s.db.Path())
	return nil
}

// enter guards an operation against a concurrent Close.
func (s *LRUStore) enter() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (s *LRUStore) exit() {
	s.mu.RUnlock()
}

func (s *LRUStore) timestamp() uint64 {
	return index.Timestamp(s.now())
}

// PutIfAbsent stores the payload produced by supplier unless key is present.
func (s *LRUStore) PutIfAbsent(ctx context.Context, key []byte, supplier Supplier) error {
	start := time.Now()
	if err := validKey(key, s.keySize); err != nil {
		return err
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()

	// Most puts are for keys that are already cached.
	present, err := s.primary.Has(ctx, key)
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpPut, telemetry.ResultError, time.Since(start))
		return fmt.Errorf("checking key: %w", err)
	}
	if present {
		telemetry.RecordCacheOp(ctx, telemetry.OpPut, telemetry.ResultExists, time.Since(start))
		return nil
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	present, err = s.primary.Has(ctx, key)
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpPut, telemetry.ResultError, time.Since(start))
		return fmt.Errorf("checking key: %w", err)
	}
	if present {
		telemetry.RecordCacheOp(ctx, telemetry.OpPut, telemetry.ResultExists, time.Since(start))
		return nil
	}

	e, inserted, err := s.insert(ctx, key, supplier)
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpPut, telemetry.ResultError, time.Since(start))
		return &WriteError{Key: clone(key), Err: err}
	}
	if !inserted {
		telemetry.RecordCacheOp(ctx, telemetry.OpPut, telemetry.ResultExists, time.Since(start))
		return nil
	}

	telemetry.RecordCacheOp(ctx, telemetry.OpPut, telemetry.ResultStored, time.Since(start))
	s.logger.Debug("stored cache entry", "key", e.Key, "blob_id", e.BlobID)
	return nil
}

var errNilPayload = errors.New("supplier returned no stream")

// insert materializes the payload and publishes it in both indexes.
// The caller holds the key's stripe lock.
func (s *LRUStore) insert(ctx context.Context, key []byte, supplier Supplier) (index.Entry, bool, error) {
	rc, err := supplier()
	if err == nil && rc == nil {
		err = errNilPayload
	}
	if err != nil {
		telemetry.RecordSupplierInvocation(ctx, telemetry.OutcomeError)
		return index.Entry{}, false, fmt.Errorf("opening payload: %w", err)
	}
	m, err := s.blobs.Put(ctx, rc)
	_ = rc.Close()
	if err != nil {
		telemetry.RecordSupplierInvocation(ctx, telemetry.OutcomeError)
		return index.Entry{}, false, fmt.Errorf("storing payload: %w", err)
	}
	telemetry.RecordSupplierInvocation(ctx, telemetry.OutcomeSuccess)

	e := index.Entry{Key: clone(key), Timestamp: s.timestamp(), BlobID: m.ID}

	if err := s.recency.Insert(ctx, e); err != nil {
		s.discardBlob(ctx, m.ID)
		return index.Entry{}, false, fmt.Errorf("inserting recency entry: %w", err)
	}

	_, inserted, err := s.primary.PutIfAbsent(ctx, e)
	if err != nil || !inserted {
		s.discardRecency(ctx, e)
		s.discardBlob(ctx, m.ID)
		if err != nil {
			return index.Entry{}, false, fmt.Errorf("inserting primary entry: %w", err)
		}
		return index.Entry{}, false, nil
	}
	return e, true, nil
}

func (s *LRUStore) discardBlob(ctx context.Context, id buildcache.BlobID) {
	if err := s.blobs.Remove(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("failed to roll back payload", "blob_id", id, "error", err)
	}
}

func (s *LRUStore) discardRecency(ctx context.Context, e index.Entry) {
	if _, err := s.recency.Remove(context.WithoutCancel(ctx), e.Timestamp, e.Key); err != nil {
		s.logger.Warn("failed to roll back recency entry", "key", e.Key, "error", err)
	}
}

// ContainsKey reports whether key is present.
func (s *LRUStore) ContainsKey(ctx context.Context, key []byte) (bool, error) {
	start := time.Now()
	if err := validKey(key, s.keySize); err != nil {
		return false, err
	}
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.exit()

	ok, err := s.primary.Has(ctx, key)
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpContains, telemetry.ResultError, time.Since(start))
		return false, fmt.Errorf("checking key: %w", err)
	}
	result := telemetry.ResultMiss
	if ok {
		result = telemetry.ResultHit
	}
	telemetry.RecordCacheOp(ctx, telemetry.OpContains, result, time.Since(start))
	return ok, nil
}

// Get opens the payload for key and, if the key lock is free, refreshes the
// entry's timestamp. A payload missing from the blob store is reported as a miss.
func (s *LRUStore) Get(ctx context.Context, key []byte) (io.ReadCloser, bool, error) {
	start := time.Now()
	if err := validKey(key, s.keySize); err != nil {
		return nil, false, err
	}
	if err := s.enter(); err != nil {
		return nil, false, err
	}
	defer s.exit()

	e, ok, err := s.primary.Get(ctx, key)
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpGet, telemetry.ResultError, time.Since(start))
		return nil, false, fmt.Errorf("looking up key: %w", err)
	}
	if !ok {
		telemetry.RecordCacheOp(ctx, telemetry.OpGet, telemetry.ResultMiss, time.Since(start))
		return nil, false, nil
	}

	rc, err := s.blobs.Open(ctx, e.BlobID)
	if errors.Is(err, blobstore.ErrNotFound) {
		s.logger.Warn("payload missing for cache entry, treating as miss", "key", key, "blob_id", e.BlobID)
		telemetry.RecordCacheOp(ctx, telemetry.OpGet, telemetry.ResultMiss, time.Since(start))
		return nil, false, nil
	}
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpGet, telemetry.ResultError, time.Since(start))
		return nil, false, fmt.Errorf("opening payload: %w", err)
	}

	s.refresh(ctx, e)

	telemetry.RecordCacheOp(ctx, telemetry.OpGet, telemetry.ResultHit, time.Since(start))
	return rc, true, nil
}

// refresh moves seen to the current time if its key lock is free. Failures are
// logged and otherwise ignored; a stale timestamp only affects eviction order.
func (s *LRUStore) refresh(ctx context.Context, seen index.Entry) {
	unlock, ok := s.locks.TryLock(seen.Key)
	if !ok {
		telemetry.RecordRefresh(ctx, telemetry.OutcomeSkipped)
		return
	}
	defer unlock()

	cur, ok, err := s.primary.Get(ctx, seen.Key)
	if err != nil || !ok || cur.BlobID != seen.BlobID {
		// Deleted or replaced since the lookup.
		telemetry.RecordRefresh(ctx, telemetry.OutcomeSkipped)
		return
	}

	now := s.timestamp()
	if now <= cur.Timestamp {
		telemetry.RecordRefresh(ctx, telemetry.OutcomeSkipped)
		return
	}
	next := cur
	next.Timestamp = now

	if err := s.recency.Insert(ctx, next); err != nil {
		s.logger.Warn("failed to refresh recency entry", "key", seen.Key, "error", err)
		telemetry.RecordRefresh(ctx, telemetry.OutcomeError)
		return
	}
	_, found, err := s.primary.ComputeIfPresent(ctx, seen.Key, func(index.Entry) (*index.Entry, error) {
		return &next, nil
	})
	if err != nil || !found {
		s.discardRecency(ctx, next)
		if err != nil {
			s.logger.Warn("failed to refresh primary entry", "key", seen.Key, "error", err)
			telemetry.RecordRefresh(ctx, telemetry.OutcomeError)
		}
		return
	}
	if _, err := s.recency.Remove(ctx, cur.Timestamp, cur.Key); err != nil {
		s.logger.Warn("failed to remove stale recency entry", "key", seen.Key, "error", err)
	}
	telemetry.RecordRefresh(ctx, telemetry.OutcomeSuccess)
}

// Delete removes key and its payload.
func (s *LRUStore) Delete(ctx context.Context, key []byte) error {
	start := time.Now()
	if err := validKey(key, s.keySize); err != nil {
		return err
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()

	present, err := s.primary.Has(ctx, key)
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpDelete, telemetry.ResultError, time.Since(start))
		return fmt.Errorf("checking key: %w", err)
	}
	if !present {
		telemetry.RecordCacheOp(ctx, telemetry.OpDelete, telemetry.ResultMiss, time.Since(start))
		return nil
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	_, removed, err := s.remove(ctx, key, nil)
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpDelete, telemetry.ResultError, time.Since(start))
		return err
	}
	result := telemetry.ResultMiss
	if removed {
		result = telemetry.ResultRemoved
	}
	telemetry.RecordCacheOp(ctx, telemetry.OpDelete, result, time.Since(start))
	return nil
}

// Evict deletes e if key still holds the same timestamp and blob. A get that
// refreshed the key after it was scanned wins over the eviction.
func (s *LRUStore) Evict(ctx context.Context, e index.Entry) (int64, bool, error) {
	start := time.Now()
	if err := validKey(e.Key, s.keySize); err != nil {
		return 0, false, err
	}
	if err := s.enter(); err != nil {
		return 0, false, err
	}
	defer s.exit()

	unlock := s.locks.Lock(e.Key)
	defer unlock()

	freed, evicted, err := s.remove(ctx, e.Key, &e)
	if err != nil {
		telemetry.RecordCacheOp(ctx, telemetry.OpEvict, telemetry.ResultError, time.Since(start))
		return 0, false, err
	}
	result := telemetry.ResultMiss
	if evicted {
		result = telemetry.ResultRemoved
	}
	telemetry.RecordCacheOp(ctx, telemetry.OpEvict, result, time.Since(start))
	return freed, evicted, nil
}

var errEntryChanged = errors.New("entry changed")

// remove deletes key from the primary index, then the recency index, then the
// payload. When expect is set the entry is removed only if it still matches.
// The caller holds the key's stripe lock.
func (s *LRUStore) remove(ctx context.Context, key []byte, expect *index.Entry) (int64, bool, error) {
	old, found, err := s.primary.ComputeIfPresent(ctx, key, func(cur index.Entry) (*index.Entry, error) {
		if expect != nil && (cur.Timestamp != expect.Timestamp || cur.BlobID != expect.BlobID) {
			return nil, errEntryChanged
		}
		return nil, nil
	})
	if errors.Is(err, errEntryChanged) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("removing primary entry: %w", err)
	}
	if !found {
		return 0, false, nil
	}

	if _, err := s.recency.Remove(ctx, old.Timestamp, key); err != nil {
		return 0, true, fmt.Errorf("removing recency entry: %w", err)
	}

	var freed int64
	if m, err := s.blobs.Stat(ctx, old.BlobID); err == nil {
		freed = m.Size
	}
	if err := s.blobs.Remove(ctx, old.BlobID); err != nil {
		// The key is gone; Sweep reclaims the unreferenced payload.
		s.logger.Warn("failed to remove payload", "key", key, "blob_id", old.BlobID, "error", err)
	}

	s.logger.Debug("removed cache entry", "key", key, "blob_id", old.BlobID, "freed", freed)
	return freed, true, nil
}

// Oldest returns up to limit entries, least recently used first.
func (s *LRUStore) Oldest(ctx context.Context, after *index.Entry, limit int) ([]index.Entry, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	entries, err := s.recency.Ascend(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning recency index: %w", err)
	}
	return entries, nil
}

// Entries returns up to limit entries in key order, starting after the given key.
func (s *LRUStore) Entries(ctx context.Context, after []byte, limit int) ([]index.Entry, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	entries, err := s.primary.Ascend(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning primary index: %w", err)
	}
	return entries, nil
}

// Stat returns the entry for key and its payload manifest.
func (s *LRUStore) Stat(ctx context.Context, key []byte) (*EntryInfo, bool, error) {
	if err := validKey(key, s.keySize); err != nil {
		return nil, false, err
	}
	if err := s.enter(); err != nil {
		return nil, false, err
	}
	defer s.exit()

	e, ok, err := s.primary.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	m, err := s.blobs.Stat(ctx, e.BlobID)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &EntryInfo{Entry: e, Manifest: m}, true, nil
}

// Stats reports entry and payload totals.
func (s *LRUStore) Stats(ctx context.Context) (*Stats, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	entries, err := s.primary.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}
	usage, err := s.blobs.Usage(ctx)
	if err != nil {
		return nil, fmt.Errorf("totalling payloads: %w", err)
	}
	size, err := s.db.Size()
	if err != nil {
		return nil, fmt.Errorf("reading database size: %w", err)
	}
	free, err := s.db.FreeBytes()
	if err != nil {
		return nil, fmt.Errorf("reading free pages: %w", err)
	}
	return &Stats{
		Entries:      entries,
		Blobs:        usage.Blobs,
		PayloadBytes: usage.Bytes,
		StoredBytes:  usage.StoredSize,
		DBSize:       size,
		FreeBytes:    free,
	}, nil
}

// Compact rewrites the database file. Other operations wait until it finishes.
func (s *LRUStore) Compact(ctx context.Context) (*kv.CompactResult, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()

	return s.db.Compact(ctx)
}

// PutBytes is a convenience method for storing a byte slice.
func (s *LRUStore) PutBytes(ctx context.Context, key, data []byte) error {
	return s.PutIfAbsent(ctx, key, BytesSupplier(data))
}

// GetBytes is a convenience method for reading a whole payload.
func (s *LRUStore) GetBytes(ctx context.Context, key []byte) ([]byte, bool, error) {
	rc, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, fmt.Errorf("reading payload: %w", err)
	}
	return data, true, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

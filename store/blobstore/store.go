// Package blobstore stores opaque byte streams as chunk runs inside a kv database.
//
// Each blob is split into fixed-size chunks, optionally zstd compressed, and
// addressed by a freshly allocated BlobID. A manifest written after the last
// chunk makes the blob visible. Readers stream chunk by chunk and verify the
// BLAKE3 digest recorded in the manifest at end of stream.
package blobstore

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
	"github.com/wolfeidau/buildcache/store/kv"
	"github.com/wolfeidau/buildcache/telemetry"
)

const (
	// DefaultChunkSize is the default size of a stored chunk before compression.
	DefaultChunkSize = 256 * 1024

	// CompressionThreshold is the minimum chunk size before compression is attempted.
	CompressionThreshold = 2048

	defaultChunksPerCommit = 4

	chunkMapName    = "blob_chunks"
	manifestMapName = "blob_manifests"
)

var (
	// ErrNotFound is returned when a blob id has no committed manifest.
	ErrNotFound = errors.New("blobstore: blob not found")

	// ErrCorrupted is returned when stored chunks do not match the manifest.
	ErrCorrupted = errors.New("blobstore: blob corrupted")
)

// Store is a chunked blob store. It is safe for concurrent use.
type Store struct {
	chunks    *kv.Map
	manifests *kv.Map

	chunkSize       int
	chunksPerCommit int
	compress        bool
	level           zstd.EncoderLevel
	enc             *zstd.Encoder
	dec             *zstd.Decoder

	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[buildcache.BlobID]*activeBlob

	closeOnce sync.Once
}

// activeBlob tracks in-flight writers and open readers of one blob.
type activeBlob struct {
	writers int
	readers int
	removed bool // manifest deleted while readers were open
}

// Option configures a Store.
type Option func(*Store)

// WithChunkSize sets the uncompressed chunk size.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithChunksPerCommit sets how many chunks are written per transaction.
func WithChunksPerCommit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunksPerCommit = n
		}
	}
}

// WithCompression enables or disables zstd chunk compression.
func WithCompression(enabled bool) Option {
	return func(s *Store) {
		s.compress = enabled
	}
}

// WithCompressionLevel sets the zstd encoder level.
func WithCompressionLevel(level zstd.EncoderLevel) Option {
	return func(s *Store) {
		s.level = level
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New opens the blob maps in db.
func New(db *kv.DB, opts ...Option) (*Store, error) {
	s := &Store{
		chunkSize:       DefaultChunkSize,
		chunksPerCommit: defaultChunksPerCommit,
		compress:        true,
		level:           zstd.SpeedDefault,
		logger:          slog.Default(),
		now:             time.Now,
		active:          make(map[buildcache.BlobID]*activeBlob),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.chunks, err = db.Map(chunkMapName); err != nil {
		return nil, err
	}
	if s.manifests, err = db.Map(manifestMapName); err != nil {
		return nil, err
	}

	// The decoder is needed even with compression off to read older chunks.
	if s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(s.level)); err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if s.dec, err = zstd.NewReader(nil); err != nil {
		s.enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return s, nil
}

// Close releases the compression resources. Readers still open afterwards fail
// on their next compressed chunk.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		_ = s.enc.Close()
		s.dec.Close()
	})
}

// Put consumes r, stores it as a new blob and returns its manifest.
// On any failure the chunks written so far are removed before returning.
func (s *Store) Put(ctx context.Context, r io.Reader) (*Manifest, error) {
	start := time.Now()

	id, err := buildcache.NewBlobID()
	if err != nil {
		return nil, err
	}

	s.acquire(id, false)
	defer s.release(id, false)

	m, err := s.write(ctx, id, r)
	if err != nil {
		s.rollback(ctx, id)
		telemetry.RecordPayloadWrite(ctx, telemetry.OutcomeError, 0, 0, time.Since(start))
		return nil, err
	}

	telemetry.RecordPayloadWrite(ctx, telemetry.OutcomeSuccess, m.Size, m.StoredSize, time.Since(start))
	s.logger.Debug("stored blob",
		"id", id,
		"size", m.Size,
		"stored_size", m.StoredSize,
		"chunks", m.Chunks,
	)
	return m, nil
}

func (s *Store) write(ctx context.Context, id buildcache.BlobID, r io.Reader) (*Manifest, error) {
	m := &Manifest{ID: id}
	hasher := buildcache.NewHasher()
	buf := make([]byte, s.chunkSize)
	pending := make([]kv.Pair, 0, s.chunksPerCommit)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			data := buf[:n]
			_, _ = hasher.Write(data)

			val := s.encodeChunk(data)
			pending = append(pending, kv.Pair{Key: chunkKey(id, m.Chunks), Value: val})
			m.Chunks++
			m.Size += int64(n)
			m.StoredSize += int64(len(val))

			if len(pending) >= s.chunksPerCommit {
				if err := s.chunks.PutMany(ctx, pending); err != nil {
					return nil, fmt.Errorf("writing chunks: %w", err)
				}
				pending = pending[:0]
			}
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("reading payload: %w", readErr)
		}
	}

	if err := s.chunks.PutMany(ctx, pending); err != nil {
		return nil, fmt.Errorf("writing chunks: %w", err)
	}

	m.Digest = hasher.Sum()
	m.CreatedAt = s.now().UTC()
	if err := s.manifests.Put(ctx, id[:], encodeManifest(m)); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	return m, nil
}

func (s *Store) rollback(ctx context.Context, id buildcache.BlobID) {
	ctx = context.WithoutCancel(ctx)
	if _, _, err := s.manifests.Delete(ctx, id[:]); err != nil {
		s.logger.Warn("failed to roll back blob manifest", "id", id, "error", err)
	}
	if _, err := s.chunks.DeletePrefix(ctx, id[:]); err != nil {
		s.logger.Warn("failed to roll back blob chunks", "id", id, "error", err)
	}
}

// Stat returns the manifest of a committed blob.
func (s *Store) Stat(ctx context.Context, id buildcache.BlobID) (*Manifest, error) {
	val, ok, err := s.manifests.Get(ctx, id[:])
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return decodeManifest(id, val)
}

// Open returns a stream over a committed blob. Returns ErrNotFound if the id is
// unknown. The caller must close the returned ReadCloser.
func (s *Store) Open(ctx context.Context, id buildcache.BlobID) (io.ReadCloser, error) {
	// Register the reader before looking at the manifest so a concurrent Remove
	// defers chunk deletion until Close.
	s.acquire(id, true)

	m, err := s.Stat(ctx, id)
	if err != nil {
		s.release(id, true)
		return nil, err
	}
	return &reader{s: s, m: m, hasher: buildcache.NewHasher()}, nil
}

// Remove deletes a blob. The blob becomes invisible immediately; its chunks are
// deleted now, or when the last open reader closes. Removing an unknown id is
// not an error.
func (s *Store) Remove(ctx context.Context, id buildcache.BlobID) error {
	if _, _, err := s.manifests.Delete(ctx, id[:]); err != nil {
		return fmt.Errorf("deleting manifest: %w", err)
	}

	s.mu.Lock()
	a, ok := s.active[id]
	deferred := ok && a.readers > 0
	if deferred {
		a.removed = true
	}
	s.mu.Unlock()

	telemetry.RecordPayloadRemove(ctx, deferred)
	if deferred {
		s.logger.Debug("deferring chunk removal until readers close", "id", id)
		return nil
	}

	if _, err := s.chunks.DeletePrefix(ctx, id[:]); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// Manifests returns up to limit manifests in id order, starting after the given id.
func (s *Store) Manifests(ctx context.Context, after *buildcache.BlobID, limit int) ([]*Manifest, error) {
	var from []byte
	if after != nil {
		from = after[:]
	}
	pairs, err := s.manifests.Ascend(ctx, from, false, limit)
	if err != nil {
		return nil, fmt.Errorf("listing manifests: %w", err)
	}

	out := make([]*Manifest, 0, len(pairs))
	for _, p := range pairs {
		id, err := buildcache.BlobIDFromBytes(p.Key)
		if err != nil {
			return nil, fmt.Errorf("decoding manifest key: %w", err)
		}
		m, err := decodeManifest(id, p.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Usage reports the number of committed blobs and their total payload and stored sizes.
type Usage struct {
	Blobs      int   `json:"blobs"`
	Bytes      int64 `json:"bytes"`
	StoredSize int64 `json:"stored_bytes"`
}

// Usage walks every manifest and totals blob sizes.
func (s *Store) Usage(ctx context.Context) (*Usage, error) {
	u := &Usage{}
	var after *buildcache.BlobID
	for {
		page, err := s.Manifests(ctx, after, 1000)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return u, nil
		}
		for _, m := range page {
			u.Blobs++
			u.Bytes += m.Size
			u.StoredSize += m.StoredSize
		}
		after = &page[len(page)-1].ID
	}
}

// SweepChunks deletes chunk runs that have no manifest and no in-flight writer
// or reader. They are left behind by a crash during Put or deferred removal.
func (s *Store) SweepChunks(ctx context.Context) (int, error) {
	var (
		removed int
		from    []byte
		last    buildcache.BlobID
		hasLast bool
	)

	for {
		pairs, err := s.chunks.Ascend(ctx, from, false, 1000)
		if err != nil {
			return removed, fmt.Errorf("listing chunks: %w", err)
		}
		if len(pairs) == 0 {
			return removed, nil
		}
		from = pairs[len(pairs)-1].Key

		for _, p := range pairs {
			id, _, err := parseChunkKey(p.Key)
			if err != nil {
				s.logger.Warn("skipping malformed chunk key", "key", p.Key, "error", err)
				continue
			}
			if hasLast && id == last {
				continue
			}
			last, hasLast = id, true

			orphan, err := s.isOrphan(ctx, id)
			if err != nil {
				return removed, err
			}
			if !orphan {
				continue
			}
			if _, err := s.chunks.DeletePrefix(ctx, id[:]); err != nil {
				return removed, fmt.Errorf("deleting orphan chunks: %w", err)
			}
			removed++
			s.logger.Debug("removed orphan chunks", "id", id)
		}
	}
}

func (s *Store) isOrphan(ctx context.Context, id buildcache.BlobID) (bool, error) {
	s.mu.Lock()
	_, active := s.active[id]
	s.mu.Unlock()
	if active {
		return false, nil
	}
	has, err := s.manifests.Has(ctx, id[:])
	if err != nil {
		return false, fmt.Errorf("checking manifest: %w", err)
	}
	return !has, nil
}

func (s *Store) acquire(id buildcache.BlobID, reader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[id]
	if !ok {
		a = &activeBlob{}
		s.active[id] = a
	}
	if reader {
		a.readers++
	} else {
		a.writers++
	}
}

func (s *Store) release(id buildcache.BlobID, reader bool) {
	s.mu.Lock()
	a, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if reader {
		a.readers--
	} else {
		a.writers--
	}
	idle := a.readers == 0 && a.writers == 0
	reclaim := idle && a.removed
	if idle {
		delete(s.active, id)
	}
	s.mu.Unlock()

	if reclaim {
		if _, err := s.chunks.DeletePrefix(context.Background(), id[:]); err != nil {
			s.logger.Warn("failed to delete chunks of removed blob", "id", id, "error", err)
		}
	}
}

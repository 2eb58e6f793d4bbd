package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store/kv"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "blobs.db"), kv.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func randomPayload(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, seed+1))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func readAll(t *testing.T, s *Store, id buildcache.BlobID) []byte {
	t.Helper()
	rc, err := s.Open(context.Background(), id)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func chunkCount(t *testing.T, s *Store) int {
	t.Helper()
	n, err := s.chunks.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		payload []byte
		opts    []Option
	}{
		{name: "empty", payload: []byte{}},
		{name: "one byte", payload: []byte{0x42}},
		{name: "embedded nulls", payload: []byte{0, 0, 1, 0, 2, 0, 0}},
		{name: "1MB random", payload: randomPayload(1, 1<<20)},
		{name: "compressible multi chunk", payload: bytes.Repeat([]byte("build output "), 50000), opts: []Option{WithChunkSize(4096)}},
		{name: "uncompressed multi chunk", payload: randomPayload(2, 100_000), opts: []Option{WithChunkSize(1000), WithCompression(false)}},
		{name: "exact chunk multiple", payload: randomPayload(3, 4096), opts: []Option{WithChunkSize(1024)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, tt.opts...)

			m, err := s.Put(ctx, bytes.NewReader(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.payload)), m.Size)
			assert.Equal(t, buildcache.HashBytes(tt.payload), m.Digest)

			got := readAll(t, s, m.ID)
			assert.Equal(t, len(tt.payload), len(got))
			assert.True(t, bytes.Equal(tt.payload, got))

			stat, err := s.Stat(ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, m.Size, stat.Size)
			assert.Equal(t, m.Chunks, stat.Chunks)
		})
	}
}

func TestStore_CompressionShrinksStoredSize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	payload := bytes.Repeat([]byte{'a'}, 512*1024)
	m, err := s.Put(ctx, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Less(t, m.StoredSize, m.Size)
}

func TestStore_OpenUnknown(t *testing.T) {
	s := newTestStore(t)
	id, err := buildcache.NewBlobID()
	require.NoError(t, err)

	_, err = s.Open(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("removed blob is absent", func(t *testing.T) {
		s := newTestStore(t, WithChunkSize(1024))
		m, err := s.Put(ctx, bytes.NewReader(randomPayload(4, 10_000)))
		require.NoError(t, err)

		require.NoError(t, s.Remove(ctx, m.ID))

		_, err = s.Open(ctx, m.ID)
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 0, chunkCount(t, s))

		// idempotent
		require.NoError(t, s.Remove(ctx, m.ID))
	})

	t.Run("open reader keeps chunks until close", func(t *testing.T) {
		s := newTestStore(t, WithChunkSize(1024))
		payload := randomPayload(5, 10_000)
		m, err := s.Put(ctx, bytes.NewReader(payload))
		require.NoError(t, err)

		rc, err := s.Open(ctx, m.ID)
		require.NoError(t, err)

		require.NoError(t, s.Remove(ctx, m.ID))

		_, err = s.Open(ctx, m.ID)
		require.ErrorIs(t, err, ErrNotFound)
		assert.Positive(t, chunkCount(t, s))

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		require.NoError(t, rc.Close())
		assert.Equal(t, 0, chunkCount(t, s))
	})
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestStore_PutFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithChunkSize(512), WithChunksPerCommit(1))
	boom := errors.New("disk on fire")

	_, err := s.Put(ctx, &failingReader{data: randomPayload(6, 5000), err: boom})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 0, chunkCount(t, s))
	manifests, err := s.Manifests(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestStore_PutHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestStore(t)

	_, err := s.Put(ctx, bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, chunkCount(t, s))
}

func TestStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithChunkSize(1024), WithCompression(false))

	m, err := s.Put(ctx, bytes.NewReader(randomPayload(7, 4000)))
	require.NoError(t, err)

	t.Run("tampered chunk fails digest", func(t *testing.T) {
		tampered := s.encodeChunk(bytes.Repeat([]byte{0xff}, 1024))
		require.NoError(t, s.chunks.Put(ctx, chunkKey(m.ID, 1), tampered))

		rc, err := s.Open(ctx, m.ID)
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()

		_, err = io.ReadAll(rc)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("missing chunk", func(t *testing.T) {
		_, _, err := s.chunks.Delete(ctx, chunkKey(m.ID, 2))
		require.NoError(t, err)

		rc, err := s.Open(ctx, m.ID)
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()

		_, err = io.ReadAll(rc)
		require.ErrorIs(t, err, ErrCorrupted)
	})
}

func TestStore_ConcurrentPutsAllocateDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithChunkSize(256))

	const n = 32
	ids := make([]buildcache.BlobID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := s.Put(ctx, bytes.NewReader(randomPayload(uint64(i), 1000)))
			if assert.NoError(t, err) {
				ids[i] = m.ID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[buildcache.BlobID]bool)
	for i, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.Equal(t, randomPayload(uint64(i), 1000), readAll(t, s, id))
	}
}

func TestStore_SweepChunksRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithChunkSize(128))

	kept, err := s.Put(ctx, bytes.NewReader(randomPayload(8, 1000)))
	require.NoError(t, err)

	// Simulate a crash between chunk writes and the manifest commit.
	orphan, err := buildcache.NewBlobID()
	require.NoError(t, err)
	require.NoError(t, s.chunks.PutMany(ctx, []kv.Pair{
		{Key: chunkKey(orphan, 0), Value: s.encodeChunk([]byte("partial"))},
		{Key: chunkKey(orphan, 1), Value: s.encodeChunk([]byte("data"))},
	}))

	// An in-flight writer protects its chunks from the sweep.
	protected, err := buildcache.NewBlobID()
	require.NoError(t, err)
	require.NoError(t, s.chunks.Put(ctx, chunkKey(protected, 0), s.encodeChunk([]byte("in flight"))))
	s.acquire(protected, false)

	removed, err := s.SweepChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	s.release(protected, false)

	_, ok, err := s.chunks.Get(ctx, chunkKey(orphan, 0))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.chunks.Get(ctx, chunkKey(protected, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, randomPayload(8, 1000), readAll(t, s, kept.ID))
}

func TestStore_Usage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.Put(ctx, bytes.NewReader(randomPayload(uint64(i), 100*(i+1))))
		require.NoError(t, err)
	}

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, u.Blobs)
	assert.Equal(t, int64(100+200+300+400+500), u.Bytes)
}

func TestManifestDecodeRejectsTruncated(t *testing.T) {
	id, err := buildcache.NewBlobID()
	require.NoError(t, err)
	enc := encodeManifest(&Manifest{ID: id, Size: 10, StoredSize: 10, Chunks: 1, Digest: buildcache.HashBytes([]byte("x"))})

	for n := 0; n < len(enc); n++ {
		_, err := decodeManifest(id, enc[:n])
		require.Error(t, err, "prefix %d", n)
	}

	m, err := decodeManifest(id, enc)
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.Size)
}

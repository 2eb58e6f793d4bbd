// Package store implements the build cache: a persistent, LRU-ordered map from
// opaque cache keys to byte payloads.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/buildcache/store/blobstore"
	"github.com/wolfeidau/buildcache/store/index"
	"github.com/wolfeidau/buildcache/store/kv"
)

var (
	// ErrInvalidKey is returned for an empty cache key, or one of the wrong
	// size when the store has a fixed key size.
	ErrInvalidKey = errors.New("store: invalid cache key")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// WriteError reports a failed attempt to store the payload for a key.
// The key is left absent, so the put can be retried.
type WriteError struct {
	Key []byte
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache write for key %x failed: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Supplier produces the payload for a cache key. PutIfAbsent calls it at most
// once, only when the key is absent, and closes the returned stream.
type Supplier func() (io.ReadCloser, error)

// BytesSupplier returns a Supplier serving data.
func BytesSupplier(data []byte) Supplier {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// Cache is the key to payload store consumed by a build cache service.
//
// Keys are stored length-prefixed, so key order (and recency order between keys
// with the same timestamp) is byte order only among keys of equal length. Stores
// opened with WithKeySize accept a single key length.
type Cache interface {
	// PutIfAbsent stores the payload produced by supplier unless key is already
	// present. Concurrent calls for the same absent key invoke at most one
	// supplier. A payload write failure is returned as a *WriteError.
	PutIfAbsent(ctx context.Context, key []byte, supplier Supplier) error

	// ContainsKey reports whether key is present.
	ContainsKey(ctx context.Context, key []byte) (bool, error)

	// Get opens the payload for key. ok is false when the key is absent.
	// The caller must close the returned ReadCloser.
	Get(ctx context.Context, key []byte) (rc io.ReadCloser, ok bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error
}

// Evictable is a Cache that exposes what an external eviction driver needs.
type Evictable interface {
	Cache

	// Oldest returns up to limit entries in least recently used order,
	// starting after the given entry (nil for the oldest).
	Oldest(ctx context.Context, after *index.Entry, limit int) ([]index.Entry, error)

	// Evict deletes e if the key still holds exactly e. It returns the payload
	// bytes released and whether the entry was evicted.
	Evict(ctx context.Context, e index.Entry) (freed int64, evicted bool, err error)

	// Sweep repairs index inconsistencies and reclaims orphaned payloads older
	// than grace.
	Sweep(ctx context.Context, grace time.Duration) (*SweepResult, error)

	// Stats reports entry and payload totals.
	Stats(ctx context.Context) (*Stats, error)

	// Compact rewrites the database file to reclaim free pages.
	Compact(ctx context.Context) (*kv.CompactResult, error)
}

// Stats summarises the store contents.
type Stats struct {
	Entries      int   `json:"entries"`
	Blobs        int   `json:"blobs"`
	PayloadBytes int64 `json:"payload_bytes"`
	StoredBytes  int64 `json:"stored_bytes"`
	DBSize       int64 `json:"db_size"`
	FreeBytes    int64 `json:"free_bytes"`
}

// EntryInfo describes a present key and its payload.
type EntryInfo struct {
	Entry    index.Entry
	Manifest *blobstore.Manifest
}

func validKey(key []byte, size int) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	if size > 0 && len(key) != size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), size)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, blobstore.ErrNotFound)
}

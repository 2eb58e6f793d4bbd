package index

import (
	"context"
	"fmt"

	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store/codec"
	"github.com/wolfeidau/buildcache/store/kv"
)

// Recency maps (timestamp, cache key) to blob id, ascending by timestamp then key.
// Keys of equal length sort by byte order within a timestamp; cache keys are
// fixed-length digests in practice.
type Recency struct {
	m *kv.Map
}

// NewRecency opens the recency view in db.
func NewRecency(db *kv.DB) (*Recency, error) {
	m, err := db.Map(RecencyMapName)
	if err != nil {
		return nil, err
	}
	return &Recency{m: m}, nil
}

func recencyKey(ts uint64, key []byte) []byte {
	return codec.EncodeTimestampKey(ts, key)
}

// Insert stores the recency entry for e.
func (r *Recency) Insert(ctx context.Context, e Entry) error {
	return r.m.Put(ctx, recencyKey(e.Timestamp, e.Key), encodeBlobID(e.BlobID))
}

// Get returns the blob id recorded for (ts, key).
func (r *Recency) Get(ctx context.Context, ts uint64, key []byte) (buildcache.BlobID, bool, error) {
	val, ok, err := r.m.Get(ctx, recencyKey(ts, key))
	if err != nil || !ok {
		return buildcache.BlobID{}, false, err
	}
	id, err := decodeBlobID(val)
	if err != nil {
		return buildcache.BlobID{}, false, fmt.Errorf("recency entry (%d, %x): %w", ts, key, err)
	}
	return id, true, nil
}

// Remove deletes the entry for (ts, key) and reports whether it existed.
func (r *Recency) Remove(ctx context.Context, ts uint64, key []byte) (bool, error) {
	_, ok, err := r.m.Delete(ctx, recencyKey(ts, key))
	return ok, err
}

// Move replaces the entry at (oldTS, e.Key) with e in one substrate write.
// Callers must hold the key's stripe lock.
func (r *Recency) Move(ctx context.Context, oldTS uint64, e Entry) error {
	return r.m.Move(ctx, recencyKey(oldTS, e.Key), recencyKey(e.Timestamp, e.Key), encodeBlobID(e.BlobID))
}

// Ascend returns up to limit entries oldest first, starting after the given
// entry. A nil after starts at the oldest entry; limit <= 0 returns all.
func (r *Recency) Ascend(ctx context.Context, after *Entry, limit int) ([]Entry, error) {
	var from []byte
	if after != nil {
		from = recencyKey(after.Timestamp, after.Key)
	}
	pairs, err := r.m.Ascend(ctx, from, false, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(pairs))
	for _, pair := range pairs {
		ts, key, err := codec.DecodeTimestampKey(pair.Key)
		if err != nil {
			return nil, fmt.Errorf("recency key %x: %w", pair.Key, err)
		}
		id, err := decodeBlobID(pair.Value)
		if err != nil {
			return nil, fmt.Errorf("recency entry (%d, %x): %w", ts, key, err)
		}
		entries = append(entries, Entry{Key: key, Timestamp: ts, BlobID: id})
	}
	return entries, nil
}

// Len returns the number of entries.
func (r *Recency) Len(ctx context.Context) (int, error) {
	return r.m.Len(ctx)
}

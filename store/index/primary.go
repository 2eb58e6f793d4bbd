package index

import (
	"context"
	"fmt"

	"github.com/wolfeidau/buildcache/store/codec"
	"github.com/wolfeidau/buildcache/store/kv"
)

// Primary maps cache keys to their timestamp and blob id.
type Primary struct {
	m *kv.Map
}

// NewPrimary opens the primary view in db.
func NewPrimary(db *kv.DB) (*Primary, error) {
	m, err := db.Map(PrimaryMapName)
	if err != nil {
		return nil, err
	}
	return &Primary{m: m}, nil
}

func primaryKey(key []byte) []byte {
	return codec.EncodeBytes(key)
}

func primaryEntry(key, val []byte) (Entry, error) {
	ts, id, err := decodePrimaryValue(val)
	if err != nil {
		return Entry{}, fmt.Errorf("primary entry %x: %w", key, err)
	}
	return Entry{Key: key, Timestamp: ts, BlobID: id}, nil
}

// Get returns the entry for key.
func (p *Primary) Get(ctx context.Context, key []byte) (Entry, bool, error) {
	val, ok, err := p.m.Get(ctx, primaryKey(key))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	e, err := primaryEntry(key, val)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Has reports whether key has an entry.
func (p *Primary) Has(ctx context.Context, key []byte) (bool, error) {
	return p.m.Has(ctx, primaryKey(key))
}

// Put stores e, replacing any entry for the same key.
func (p *Primary) Put(ctx context.Context, e Entry) error {
	return p.m.Put(ctx, primaryKey(e.Key), encodePrimaryValue(e.Timestamp, e.BlobID))
}

// PutIfAbsent stores e unless the key already has an entry. It returns the
// entry now stored and whether e was inserted.
func (p *Primary) PutIfAbsent(ctx context.Context, e Entry) (Entry, bool, error) {
	val, inserted, err := p.m.ComputeIfAbsent(ctx, primaryKey(e.Key), func() ([]byte, error) {
		return encodePrimaryValue(e.Timestamp, e.BlobID), nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	if inserted {
		return e, true, nil
	}
	cur, err := primaryEntry(e.Key, val)
	if err != nil {
		return Entry{}, false, err
	}
	return cur, false, nil
}

// ComputeIfPresent replaces the entry for key with fn(old) if one exists.
// Returning nil from fn removes the entry. It returns the previous entry and
// whether key was present. fn must not call back into the index.
func (p *Primary) ComputeIfPresent(ctx context.Context, key []byte, fn func(old Entry) (*Entry, error)) (Entry, bool, error) {
	var prev Entry
	_, found, err := p.m.ComputeIfPresent(ctx, primaryKey(key), func(val []byte) ([]byte, error) {
		old, err := primaryEntry(key, val)
		if err != nil {
			return nil, err
		}
		prev = old
		next, err := fn(old)
		if err != nil || next == nil {
			return nil, err
		}
		return encodePrimaryValue(next.Timestamp, next.BlobID), nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return prev, found, nil
}

// Remove deletes the entry for key and returns it.
func (p *Primary) Remove(ctx context.Context, key []byte) (Entry, bool, error) {
	val, ok, err := p.m.Delete(ctx, primaryKey(key))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	e, err := primaryEntry(key, val)
	if err != nil {
		// The record is gone either way; report what was removed.
		return Entry{Key: key}, true, err
	}
	return e, true, nil
}

// Ascend returns up to limit entries after the given cache key, ordered by
// encoded key. A nil after starts at the beginning; limit <= 0 returns all.
func (p *Primary) Ascend(ctx context.Context, after []byte, limit int) ([]Entry, error) {
	var from []byte
	if after != nil {
		from = primaryKey(after)
	}
	pairs, err := p.m.Ascend(ctx, from, false, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(pairs))
	for _, pair := range pairs {
		key, err := codec.DecodeBytes(pair.Key)
		if err != nil {
			return nil, fmt.Errorf("primary key %x: %w", pair.Key, err)
		}
		e, err := primaryEntry(key, pair.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of entries.
func (p *Primary) Len(ctx context.Context) (int, error) {
	return p.m.Len(ctx)
}

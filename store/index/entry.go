// Package index implements the two views of cache index entries: the Primary
// index (key -> timestamp, blob id) and the Recency index ((timestamp, key) ->
// blob id). Each operation is atomic on its own map only; keeping the two views
// consistent is the caller's job.
package index

import (
	"fmt"
	"time"

	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store/codec"
)

const (
	// PrimaryMapName is the substrate map holding the primary view.
	PrimaryMapName = "cache_primary"

	// RecencyMapName is the substrate map holding the recency view.
	RecencyMapName = "cache_recency"
)

// Entry records that a cache key resolves to a blob, last touched at Timestamp.
type Entry struct {
	Key       []byte
	Timestamp uint64 // unix nanoseconds
	BlobID    buildcache.BlobID
}

// Time returns the entry timestamp as a time.Time.
func (e Entry) Time() time.Time {
	return time.Unix(0, int64(e.Timestamp)).UTC()
}

// Timestamp converts t to the index timestamp representation.
// Times before the unix epoch map to zero.
func Timestamp(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}

// Format: [8-byte timestamp][len-prefixed blob id]
func encodePrimaryValue(ts uint64, id buildcache.BlobID) []byte {
	buf := make([]byte, 0, codec.TimestampSize+1+buildcache.BlobIDSize)
	buf = codec.AppendTimestamp(buf, ts)
	return codec.AppendBytes(buf, id[:])
}

func decodePrimaryValue(data []byte) (uint64, buildcache.BlobID, error) {
	ts, rest, err := codec.ConsumeTimestamp(data)
	if err != nil {
		return 0, buildcache.BlobID{}, fmt.Errorf("decoding primary timestamp: %w", err)
	}
	id, err := decodeBlobID(rest)
	if err != nil {
		return 0, buildcache.BlobID{}, err
	}
	return ts, id, nil
}

// Format: [len-prefixed blob id]
func encodeBlobID(id buildcache.BlobID) []byte {
	return codec.EncodeBytes(id[:])
}

func decodeBlobID(data []byte) (buildcache.BlobID, error) {
	raw, err := codec.DecodeBytes(data)
	if err != nil {
		return buildcache.BlobID{}, fmt.Errorf("decoding blob id: %w", err)
	}
	return buildcache.BlobIDFromBytes(raw)
}

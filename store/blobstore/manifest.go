package blobstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store/codec"
)

// Manifest describes a stored blob. Writing the manifest is the commit point
// of a Put: chunks without a manifest are never visible to readers.
type Manifest struct {
	ID         buildcache.BlobID
	Size       int64 // uncompressed payload bytes
	StoredSize int64 // bytes occupied by encoded chunks
	Chunks     uint32
	Digest     buildcache.Hash
	CreatedAt  time.Time
}

// Format: [varint size][varint stored size][varint chunks][len-prefixed digest][8-byte created-at]
func encodeManifest(m *Manifest) []byte {
	buf := make([]byte, 0, 3*binary.MaxVarintLen64+1+buildcache.HashSize+codec.TimestampSize)
	buf = codec.AppendUvarint(buf, uint64(m.Size))
	buf = codec.AppendUvarint(buf, uint64(m.StoredSize))
	buf = codec.AppendUvarint(buf, uint64(m.Chunks))
	buf = codec.AppendBytes(buf, m.Digest[:])
	buf = codec.AppendTimestamp(buf, uint64(m.CreatedAt.UnixNano()))
	return buf
}

func decodeManifest(id buildcache.BlobID, data []byte) (*Manifest, error) {
	size, rest, err := codec.ConsumeUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest size: %w", err)
	}
	stored, rest, err := codec.ConsumeUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest stored size: %w", err)
	}
	chunks, rest, err := codec.ConsumeUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest chunk count: %w", err)
	}
	digest, rest, err := codec.ConsumeBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest digest: %w", err)
	}
	h, err := buildcache.HashFromBytes(digest)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest digest: %w", err)
	}
	created, _, err := codec.ConsumeTimestamp(rest)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest created-at: %w", err)
	}

	return &Manifest{
		ID:         id,
		Size:       int64(size),
		StoredSize: int64(stored),
		Chunks:     uint32(chunks),
		Digest:     h,
		CreatedAt:  time.Unix(0, int64(created)).UTC(),
	}, nil
}

// chunkKey returns the chunk map key for chunk idx of blob id.
// Format: [16-byte blob id][4-byte big-endian index]
func chunkKey(id buildcache.BlobID, idx uint32) []byte {
	key := make([]byte, buildcache.BlobIDSize+4)
	copy(key, id[:])
	binary.BigEndian.PutUint32(key[buildcache.BlobIDSize:], idx)
	return key
}

func parseChunkKey(key []byte) (buildcache.BlobID, uint32, error) {
	if len(key) != buildcache.BlobIDSize+4 {
		return buildcache.BlobID{}, 0, fmt.Errorf("%w: chunk key has %d bytes", codec.ErrTruncated, len(key))
	}
	id, err := buildcache.BlobIDFromBytes(key[:buildcache.BlobIDSize])
	if err != nil {
		return buildcache.BlobID{}, 0, err
	}
	return id, binary.BigEndian.Uint32(key[buildcache.BlobIDSize:]), nil
}

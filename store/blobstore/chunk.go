package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store/codec"
)

const (
	chunkFlagRaw  byte = 0
	chunkFlagZstd byte = 1
)

// encodeChunk returns a freshly allocated chunk record.
// Format: [1-byte flags][varint raw length][len-prefixed stored bytes]
func (s *Store) encodeChunk(data []byte) []byte {
	flag, stored := chunkFlagRaw, data
	if s.compress && len(data) >= CompressionThreshold {
		if c := s.enc.EncodeAll(data, nil); len(c) < len(data) {
			flag, stored = chunkFlagZstd, c
		}
	}

	out := make([]byte, 0, 1+10+10+len(stored))
	out = append(out, flag)
	out = codec.AppendUvarint(out, uint64(len(data)))
	return codec.AppendBytes(out, stored)
}

func (s *Store) decodeChunk(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("%w: empty chunk record", codec.ErrTruncated)
	}
	flag := val[0]
	rawLen, rest, err := codec.ConsumeUvarint(val[1:])
	if err != nil {
		return nil, fmt.Errorf("decoding chunk length: %w", err)
	}
	stored, err := codec.DecodeBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("decoding chunk payload: %w", err)
	}

	switch flag {
	case chunkFlagRaw:
		if uint64(len(stored)) != rawLen {
			return nil, fmt.Errorf("%w: raw chunk has %d bytes, expected %d", ErrCorrupted, len(stored), rawLen)
		}
		return stored, nil
	case chunkFlagZstd:
		data, err := s.dec.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing chunk: %v", ErrCorrupted, err)
		}
		if uint64(len(data)) != rawLen {
			return nil, fmt.Errorf("%w: chunk decompressed to %d bytes, expected %d", ErrCorrupted, len(data), rawLen)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unknown chunk flag %d", ErrCorrupted, flag)
	}
}

// reader streams a blob one chunk at a time.
type reader struct {
	s      *Store
	m      *Manifest
	next   uint32
	buf    []byte
	hasher *buildcache.Hasher
	read   int64
	err    error
	closed bool
}

func (r *reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("blobstore: read from closed blob %s", r.m.ID)
	}
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.next == r.m.Chunks {
			r.err = r.verify()
			return 0, r.err
		}
		if err := r.load(); err != nil {
			r.err = err
			return 0, err
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *reader) load() error {
	val, ok, err := r.s.chunks.Get(context.Background(), chunkKey(r.m.ID, r.next))
	if err != nil {
		return fmt.Errorf("reading chunk %d of blob %s: %w", r.next, r.m.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: chunk %d of blob %s missing", ErrCorrupted, r.next, r.m.ID)
	}
	data, err := r.s.decodeChunk(val)
	if err != nil {
		return fmt.Errorf("chunk %d of blob %s: %w", r.next, r.m.ID, err)
	}

	_, _ = r.hasher.Write(data)
	r.read += int64(len(data))
	r.buf = data
	r.next++
	return nil
}

func (r *reader) verify() error {
	if r.read != r.m.Size {
		return fmt.Errorf("%w: blob %s read %d bytes, manifest says %d", ErrCorrupted, r.m.ID, r.read, r.m.Size)
	}
	if got := r.hasher.Sum(); got != r.m.Digest {
		return fmt.Errorf("%w: blob %s digest %s, manifest says %s", ErrCorrupted, r.m.ID, got.ShortString(), r.m.Digest.ShortString())
	}
	return io.EOF
}

// Close releases the reader. If the blob was removed while open, its chunks are
// deleted once the last reader closes.
func (r *reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.s.release(r.m.ID, true)
	return nil
}

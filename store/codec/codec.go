// Package codec implements the ordered binary encodings used for store keys and values.
//
// Byte sequences are encoded as a varint length followed by the raw bytes, so the
// encoded form is self-delimiting and can be embedded in composite keys. Timestamp
// keys are an 8 byte big-endian timestamp followed by an encoded byte sequence.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// TimestampSize is the width of an encoded timestamp.
const TimestampSize = 8

// ErrTruncated is returned when encoded input ends before a complete value.
var ErrTruncated = errors.New("codec: truncated input")

// AppendBytes appends the length-prefixed encoding of b to dst.
func AppendBytes(dst, b []byte) []byte {
	return protowire.AppendBytes(dst, b)
}

// EncodeBytes returns the length-prefixed encoding of b.
func EncodeBytes(b []byte) []byte {
	return AppendBytes(make([]byte, 0, protowire.SizeBytes(len(b))), b)
}

// ConsumeBytes decodes one length-prefixed byte sequence from the front of src.
// The returned slice aliases src.
func ConsumeBytes(src []byte) (b, rest []byte, err error) {
	v, n := protowire.ConsumeBytes(src)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
	}
	return v, src[n:], nil
}

// DecodeBytes decodes a value produced by EncodeBytes. Trailing bytes are rejected.
func DecodeBytes(src []byte) ([]byte, error) {
	b, rest, err := ConsumeBytes(src)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("codec: %d trailing bytes after byte sequence", len(rest))
	}
	return b, nil
}

// AppendUvarint appends a varint-encoded unsigned integer.
func AppendUvarint(dst []byte, v uint64) []byte {
	return protowire.AppendVarint(dst, v)
}

// ConsumeUvarint decodes one varint from the front of src.
func ConsumeUvarint(src []byte) (v uint64, rest []byte, err error) {
	v, n := protowire.ConsumeVarint(src)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
	}
	return v, src[n:], nil
}

// AppendTimestamp appends a fixed-width big-endian timestamp.
func AppendTimestamp(dst []byte, ts uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, ts)
}

// ConsumeTimestamp decodes a fixed-width timestamp from the front of src.
func ConsumeTimestamp(src []byte) (ts uint64, rest []byte, err error) {
	if len(src) < TimestampSize {
		return 0, nil, fmt.Errorf("%w: timestamp needs %d bytes, have %d", ErrTruncated, TimestampSize, len(src))
	}
	return binary.BigEndian.Uint64(src[:TimestampSize]), src[TimestampSize:], nil
}

// EncodeTimestampKey encodes a composite (timestamp, bytes) key.
// Format: [8-byte timestamp][varint length][bytes]
func EncodeTimestampKey(ts uint64, b []byte) []byte {
	dst := make([]byte, 0, TimestampSize+protowire.SizeBytes(len(b)))
	dst = AppendTimestamp(dst, ts)
	return AppendBytes(dst, b)
}

// DecodeTimestampKey is the inverse of EncodeTimestampKey.
func DecodeTimestampKey(src []byte) (ts uint64, b []byte, err error) {
	ts, rest, err := ConsumeTimestamp(src)
	if err != nil {
		return 0, nil, err
	}
	b, err = DecodeBytes(rest)
	if err != nil {
		return 0, nil, err
	}
	return ts, b, nil
}

// CompareBytes orders two EncodeBytes values by byte-wise comparison of their
// decoded contents. Malformed encodings sort after well-formed ones and compare
// raw among themselves.
func CompareBytes(a, b []byte) int {
	da, errA := DecodeBytes(a)
	db, errB := DecodeBytes(b)
	if c, ok := compareMalformed(a, b, errA, errB); ok {
		return c
	}
	return bytes.Compare(da, db)
}

// CompareTimestampKeys orders two EncodeTimestampKey values by timestamp, then by
// the decoded trailing bytes.
func CompareTimestampKeys(a, b []byte) int {
	tsA, ka, errA := DecodeTimestampKey(a)
	tsB, kb, errB := DecodeTimestampKey(b)
	if c, ok := compareMalformed(a, b, errA, errB); ok {
		return c
	}
	switch {
	case tsA < tsB:
		return -1
	case tsA > tsB:
		return 1
	}
	return bytes.Compare(ka, kb)
}

func compareMalformed(a, b []byte, errA, errB error) (int, bool) {
	switch {
	case errA == nil && errB == nil:
		return 0, false
	case errA != nil && errB != nil:
		return bytes.Compare(a, b), true
	case errA != nil:
		return 1, true
	default:
		return -1, true
	}
}

package buildcache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlobIDUnique(t *testing.T) {
	seen := make(map[BlobID]struct{})
	for i := 0; i < 1000; i++ {
		id, err := NewBlobID()
		require.NoError(t, err)
		require.NotEqual(t, BlobID{}, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate blob id %s", id)
		seen[id] = struct{}{}
	}
}

func TestBlobIDRoundTrip(t *testing.T) {
	id, err := NewBlobID()
	require.NoError(t, err)

	u, err := uuid.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())

	fromBytes, err := BlobIDFromBytes(id[:])
	require.NoError(t, err)
	assert.Equal(t, id, fromBytes)
}

func TestBlobIDInvalid(t *testing.T) {
	_, err := BlobIDFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

package buildcache

import (
	"fmt"

	"github.com/google/uuid"
)

// BlobIDSize is the size of a payload blob identifier in bytes.
const BlobIDSize = 16

// BlobID identifies a payload stored in the blob store. IDs are UUIDv7 values,
// so they sort roughly by allocation time.
type BlobID [BlobIDSize]byte

// NewBlobID allocates a fresh blob identifier.
func NewBlobID() (BlobID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return BlobID{}, fmt.Errorf("allocating blob id: %w", err)
	}
	return BlobID(u), nil
}

// BlobIDFromBytes converts a raw 16 byte identifier.
func BlobIDFromBytes(b []byte) (BlobID, error) {
	if len(b) != BlobIDSize {
		return BlobID{}, fmt.Errorf("invalid blob id length: expected %d bytes, got %d", BlobIDSize, len(b))
	}
	var id BlobID
	copy(id[:], b)
	return id, nil
}

// String returns the canonical UUID string form.
func (id BlobID) String() string {
	return uuid.UUID(id).String()
}

package common

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewUserID generates a unique user ID with the "user_" prefix
func NewUserID() string {
	return "user_" + uuid.New().String()
}

// NewImageID derives a stable content-addressable image ID from the original
// upload bytes. The same bytes always yield the same ID, which keys stage
// artifacts and the structural mask cache.
func NewImageID(data []byte) string {
	sum := sha256.Sum256(data)
	return "img_" + hex.EncodeToString(sum[:16])
}

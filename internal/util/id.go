package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a short random hex string, used for request
// correlation and mirror-queue consumer names.
func NewID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

package archive

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns the lowercase hex sha256 digest of raw. Two
// snapshots with identical bytes produce the same hash regardless of
// session id or timestamp, which is what makes Stage.Archive idempotent
// under re-delivery.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

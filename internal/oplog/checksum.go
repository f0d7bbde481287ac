package oplog

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum returns the sha256 hex digest of the payload bytes. The digest is
// computed once at append time and travels with the operation so any replica
// can verify payload integrity at rest.
func Checksum(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the payload digest and compares it to the stored value.
func (op Operation) Verify() bool {
	return op.Checksum == Checksum(op.PayloadJSON)
}

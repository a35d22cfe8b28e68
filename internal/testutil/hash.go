package testutil

import (
	"crypto/sha256"
	"encoding/base64"
)

// SHA256Base64 returns the volume hash of data: the base64 encoded SHA-256
// digest, as recorded for remote volumes.
func SHA256Base64(data []byte) string {
	h := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(h[:])
}

package crypto

import (
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Checksum returns the BLAKE2b-256 digest of data.
func Checksum(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Fingerprint returns a short base58 rendering of a digest, suitable for logs
// and user-facing output.
func Fingerprint(digest []byte) string {
	if len(digest) > 8 {
		digest = digest[:8]
	}
	return base58.Encode(digest)
}

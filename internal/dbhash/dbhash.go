// Package dbhash computes the truncated content hash used to address
// certificate and log-entry blobs throughout the index and blob cache.
package dbhash

import "crypto/sha256"

// Size is the length in bytes of a Hash.
const Size = 16

// Hash is a truncated SHA-256 digest: the first 16 bytes of the full
// 32-byte sum. 128 bits is far beyond the collision risk any single log's
// entry count could realistically hit, and halving the hash keeps primary
// key and cache key sizes small.
type Hash [Size]byte

// Sum returns the truncated SHA-256 digest of data.
func Sum(data []byte) Hash {
	full := sha256.Sum256(data)
	var h Hash
	copy(h[:], full[:Size])
	return h
}

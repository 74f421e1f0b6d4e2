package util

import (
	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString returns the stable 64 bit hash of s.
// xxhash with its fixed zero seed is used so that the value is identical across
// processes and machines: snapshots and WAL replay rely on it to place keys.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// ShardIndex maps key to a shard in [0, numShards).
// numShards must be a power of two.
//
// Thread-safety: This function is pure and can be called concurrently.
func ShardIndex(key string, numShards int) int {
	return int(HashString(key) & uint64(numShards-1))
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// xorfilter.go - xor and binary-fuse membership filters over 64-bit digests
//
// This is an implementation of the probabilistic filters described in
// "Xor Filters: Faster and Smaller Than Bloom and Cuckoo Filters"
// (https://arxiv.org/abs/1912.08258) and "Binary Fuse Filters"
// (https://arxiv.org/abs/2201.01174).
//
// (c) Sudhi Herle 2018
//
// License GPLv2

// Package xorfilter implements static approximate-membership filters:
// the classical Xor8 filter and the BinaryFuse family (Fuse8, Fuse16).
// A filter is built once from a set of uint64 digests and answers
// "possibly a member" / "definitely not a member" queries with a small,
// bounded false positive rate. Callers can feed typed keys through a
// pluggable Hasher, or supply pre-computed digests directly.
//
// Additionally, DBWriter enables creating a fast, read-only membership
// DB: it serializes key/value records, a sorted digest table, and an
// Xor8 filter used to reject absent keys without touching the table;
// keys that pass the filter are found by binary search of the table. The serialized DB is read back via
// DBReader.
//
// Built filters are immutable; clones share the fingerprint array and
// may be queried concurrently without locking.
package xorfilter

import "math/bits"

const (
	// number of times we will reseed and retry the peel; the success
	// probability per attempt is > 0.5, so exhausting this almost
	// always means duplicate digests.
	_MaxIterations = 100
)

func murmur64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// fold the filter seed into a digest before deriving slots
func mixsplit(key, seed uint64) uint64 {
	return murmur64(key + seed)
}

// returns the next random value, advances the seed
func splitmix64(seed *uint64) uint64 {
	*seed += 0x9E3779B97F4A7C15
	z := *seed
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// map a 32-bit hash into [0, n) without dividing
// http://lemire.me/blog/2016/06/27/a-fast-alternative-to-the-modulo-reduction/
func reduce(hash, n uint32) uint32 {
	return uint32((uint64(hash) * uint64(n)) >> 32)
}

// upper 64 bits of the 128-bit product
func mulhi(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)
	return hi
}

func fingerprint(hash uint64) uint64 {
	return hash ^ (hash >> 32)
}

func mod3(x uint8) uint8 {
	if x > 2 {
		x -= 3
	}
	return x
}

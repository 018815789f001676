// xor8.go - classical xor filter with 8-bit fingerprints
//
// (c) Sudhi Herle 2018
//
// Author: Sudhi Herle <sudhi@herle.net>
//
// This software does not come with any express or implied
// warranty; it is provided "as is". No claim  is made to its
// suitability for any purpose.

package xorfilter

import (
	"bytes"
	"math/bits"
)

// Xor8 is an immutable membership filter over a set of 64-bit digests.
// It has a false positive rate of about 0.39% and uses less than 10
// bits per entry for sizeable sets.
//
// The fingerprint array is laid out as three equal blocks of
// BlockLength slots; a digest maps to one slot in each block and is a
// possible member iff the XOR of the three slots equals its
// fingerprint. Clones share the fingerprint array; concurrent readers
// need no synchronization.
type Xor8 struct {
	hasher Hasher

	Seed         uint64
	BlockLength  uint32
	Fingerprints []uint8

	numKeys    int
	hasNumKeys bool
}

// Len returns the number of keys built into the filter. The count is
// not recorded in the serialized form; ok is false for a filter that
// was deserialized.
func (f *Xor8) Len() (n int, ok bool) {
	return f.numKeys, f.hasNumKeys
}

// Hasher returns the hasher the filter applies to typed keys.
func (f *Xor8) Hasher() Hasher {
	return f.hasher
}

// Hash computes the 64-bit digest of a typed key using the filter's
// hasher.
func (f *Xor8) Hash(key []byte) uint64 {
	return digestKey(f.hasher, key)
}

// Contains tells whether a typed key is likely part of the set. It
// never reports false for a key that was built into the filter.
func (f *Xor8) Contains(key []byte) bool {
	return f.ContainsDigest(f.Hash(key))
}

// ContainsDigest tells whether a pre-computed digest is likely part
// of the set.
func (f *Xor8) ContainsDigest(digest uint64) bool {
	if f.hasNumKeys && f.numKeys == 0 {
		return false
	}

	hash := mixsplit(digest, f.Seed)
	fp := uint8(fingerprint(hash))
	h0 := reduce(uint32(hash), f.BlockLength)
	h1 := reduce(uint32(bits.RotateLeft64(hash, 21)), f.BlockLength) + f.BlockLength
	h2 := reduce(uint32(bits.RotateLeft64(hash, 42)), f.BlockLength) + 2*f.BlockLength
	return fp == f.Fingerprints[h0]^f.Fingerprints[h1]^f.Fingerprints[h2]
}

// Clone returns a shallow copy sharing the fingerprint array.
func (f *Xor8) Clone() *Xor8 {
	g := *f
	return &g
}

// Equal reports whether two filters have identical seed, geometry and
// fingerprints. The key count is informational and not compared.
func (f *Xor8) Equal(g *Xor8) bool {
	return f.Seed == g.Seed &&
		f.BlockLength == g.BlockLength &&
		bytes.Equal(f.Fingerprints, g.Fingerprints)
}

// slot of 'hash' within block 0; the in-block offsets for blocks 1
// and 2 use the same reduction over rotated halves.
func (f *Xor8) geth0(hash uint64) uint32 {
	return reduce(uint32(hash), f.BlockLength)
}

func (f *Xor8) geth1(hash uint64) uint32 {
	return reduce(uint32(bits.RotateLeft64(hash, 21)), f.BlockLength)
}

func (f *Xor8) geth2(hash uint64) uint32 {
	return reduce(uint32(bits.RotateLeft64(hash, 42)), f.BlockLength)
}

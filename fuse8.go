// fuse8.go - binary fuse filter with 8-bit fingerprints
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
	"slices"
)

// Fuse8 is an immutable binary fuse membership filter with 8-bit
// fingerprints: the same guarantees as Xor8 with a smaller memory
// footprint at large sizes. Clones share the fingerprint array;
// concurrent readers need no synchronization.
type Fuse8 struct {
	hasher Hasher

	Seed               uint64
	SegmentLength      uint32
	SegmentLengthMask  uint32
	SegmentCount       uint32
	SegmentCountLength uint32
	Fingerprints       []uint8

	numKeys    int
	hasNumKeys bool
}

// Fuse8Builder accumulates digests and builds an immutable Fuse8.
//
// Unlike Xor8Builder, the intake is a raw sequence: duplicates are
// not collapsed up front. Duplicate digests make the peel fail; after
// ten failed attempts the builder sorts and dedups a working copy of
// the digests and keeps retrying, so duplicated input still builds and
// Len then counts the distinct digests.
type Fuse8Builder struct {
	digests []uint64
	hasher  Hasher
	frozen  bool
}

// NewFuse8Builder returns an empty builder using the default
// deterministic hasher for typed keys.
func NewFuse8Builder() *Fuse8Builder {
	return NewFuse8BuilderWith(DefaultHasher())
}

// NewFuse8BuilderWith returns an empty builder using the supplied
// hasher for typed keys.
func NewFuse8BuilderWith(h Hasher) *Fuse8Builder {
	return &Fuse8Builder{hasher: h}
}

// Hash computes the 64-bit digest of a typed key using the builder's
// hasher.
func (b *Fuse8Builder) Hash(key []byte) uint64 {
	return digestKey(b.hasher, key)
}

// Insert accumulates the digest of a single typed key.
func (b *Fuse8Builder) Insert(key []byte) error {
	if b.frozen {
		return ErrFrozen
	}

	b.digests = append(b.digests, b.Hash(key))
	return nil
}

// Populate accumulates digests for a collection of typed keys.
func (b *Fuse8Builder) Populate(keys [][]byte) error {
	if b.frozen {
		return ErrFrozen
	}

	for _, key := range keys {
		b.digests = append(b.digests, b.Hash(key))
	}
	return nil
}

// PopulateDigests accumulates pre-computed 64-bit digests.
func (b *Fuse8Builder) PopulateDigests(digests []uint64) error {
	if b.frozen {
		return ErrFrozen
	}

	b.digests = append(b.digests, digests...)
	return nil
}

// Build consumes the accumulated digests and constructs the filter.
func (b *Fuse8Builder) Build() (*Fuse8, error) {
	if b.frozen {
		return nil, ErrFrozen
	}

	digests := b.digests
	b.digests = nil
	return b.BuildFromDigests(digests)
}

// BuildFromDigests constructs the filter directly from the given
// digest slice, ignoring previously accumulated keys.
func (b *Fuse8Builder) BuildFromDigests(digests []uint64) (*Fuse8, error) {
	b.digests = nil
	b.frozen = true

	size := uint32(len(digests))
	lay := planFuseLayout(size)

	f := &Fuse8{
		hasher:             b.hasher,
		SegmentLength:      lay.segmentLength,
		SegmentLengthMask:  lay.segmentLengthMask,
		SegmentCount:       lay.segmentCount,
		SegmentCountLength: lay.segmentCountLength,
		Fingerprints:       make([]uint8, lay.arrayLength),
		hasNumKeys:         true,
	}

	rngcounter := uint64(0x726b2b9d438b9d4d)
	f.Seed = splitmix64(&rngcounter)

	capacity := uint32(len(f.Fingerprints))
	alone := make([]uint32, capacity)
	t2count := make([]uint8, capacity)
	t2hash := make([]uint64, capacity)
	reverseH := make([]uint8, size)
	reverseOrder := make([]uint64, size+1)
	reverseOrder[size] = 1 // sentinel; stops the placement probe

	bb := blockBits(lay.segmentCount)
	block := uint32(1) << bb
	startPos := make([]uint32, block)

	var h012 [5]uint32

	keys := digests
	for iterations := 0; ; iterations++ {
		if iterations > _MaxIterations {
			return nil, ErrTooManyIterations
		}
		if iterations == 10 {
			// the peel is almost certainly tripping on duplicate
			// digests; dedup a working copy and keep trying
			keys = dedupDigests(keys)
			if uint32(len(keys)) != size {
				size = uint32(len(keys))
				reverseH = make([]uint8, size)
				reverseOrder = make([]uint64, size+1)
				reverseOrder[size] = 1
			}
		}

		// Bucket hashes by their top block bits so each segment is
		// filled with near-sequential access; probe forward within
		// the block on collision.
		for i := uint32(0); i < block; i++ {
			// i * size would overflow 32 bits in some cases
			startPos[i] = uint32((uint64(i) * uint64(size)) >> bb)
		}
		maskBlock := uint64(block - 1)
		for _, digest := range keys {
			hash := mixsplit(digest, f.Seed)
			segIndex := hash >> (64 - bb)
			for reverseOrder[startPos[segIndex]] != 0 {
				segIndex++
				segIndex &= maskBlock
			}
			reverseOrder[startPos[segIndex]] = hash
			startPos[segIndex]++
		}

		// Occupancy pass: count<<2 | position-tag per slot. The tag
		// XORs cancel so that a slot with count 1 names the hash
		// position that landed on it.
		overflow := false
		for i := uint32(0); i < size; i++ {
			hash := reverseOrder[i]

			h0 := lay.slot(0, hash)
			t2count[h0] += 4
			t2hash[h0] ^= hash

			h1 := lay.slot(1, hash)
			t2count[h1] += 4
			t2count[h1] ^= 1
			t2hash[h1] ^= hash

			h2 := lay.slot(2, hash)
			t2count[h2] += 4
			t2count[h2] ^= 2
			t2hash[h2] ^= hash

			if t2count[h0] < 4 || t2count[h1] < 4 || t2count[h2] < 4 {
				overflow = true
			}
		}

		if !overflow {
			qsize := 0
			for i := uint32(0); i < capacity; i++ {
				alone[qsize] = i
				if t2count[i]>>2 == 1 {
					qsize++
				}
			}

			stacksize := uint32(0)
			for qsize > 0 {
				qsize--
				index := alone[qsize]
				if t2count[index]>>2 != 1 {
					continue
				}

				hash := t2hash[index]
				found := t2count[index] & 3
				reverseH[stacksize] = found
				reverseOrder[stacksize] = hash
				stacksize++

				h012[1] = lay.slot(1, hash)
				h012[2] = lay.slot(2, hash)
				h012[3] = lay.slot(0, hash) // == h012[0]
				h012[4] = h012[1]

				oi1 := h012[found+1]
				alone[qsize] = oi1
				if t2count[oi1]>>2 == 2 {
					qsize++
				}
				t2count[oi1] -= 4
				t2count[oi1] ^= mod3(found + 1)
				t2hash[oi1] ^= hash

				oi2 := h012[found+2]
				alone[qsize] = oi2
				if t2count[oi2]>>2 == 2 {
					qsize++
				}
				t2count[oi2] -= 4
				t2count[oi2] ^= mod3(found + 2)
				t2hash[oi2] ^= hash
			}

			if stacksize == size {
				break // success
			}
		}

		for i := uint32(0); i < size; i++ {
			reverseOrder[i] = 0
		}
		for i := range t2count {
			t2count[i] = 0
			t2hash[i] = 0
		}
		f.Seed = splitmix64(&rngcounter)
	}

	for i := int(size) - 1; i >= 0; i-- {
		hash := reverseOrder[i]
		fp := uint8(fingerprint(hash))
		found := reverseH[i]
		h012[0] = lay.slot(0, hash)
		h012[1] = lay.slot(1, hash)
		h012[2] = lay.slot(2, hash)
		h012[3] = h012[0]
		h012[4] = h012[1]
		f.Fingerprints[h012[found]] = fp ^
			f.Fingerprints[h012[found+1]] ^ f.Fingerprints[h012[found+2]]
	}

	f.numKeys = int(size)
	return f, nil
}

// Len returns the number of distinct keys built into the filter; ok
// is false for a filter that was deserialized.
func (f *Fuse8) Len() (n int, ok bool) {
	return f.numKeys, f.hasNumKeys
}

// Hasher returns the hasher the filter applies to typed keys.
func (f *Fuse8) Hasher() Hasher {
	return f.hasher
}

// Hash computes the 64-bit digest of a typed key using the filter's
// hasher.
func (f *Fuse8) Hash(key []byte) uint64 {
	return digestKey(f.hasher, key)
}

// Contains tells whether a typed key is likely part of the set. It
// never reports false for a key that was built into the filter.
func (f *Fuse8) Contains(key []byte) bool {
	return f.ContainsDigest(f.Hash(key))
}

// ContainsDigest tells whether a pre-computed digest is likely part
// of the set.
func (f *Fuse8) ContainsDigest(digest uint64) bool {
	if f.hasNumKeys && f.numKeys == 0 {
		return false
	}

	hash := mixsplit(digest, f.Seed)
	fp := uint8(fingerprint(hash))
	h0, h1, h2 := f.layout().slots(hash)
	return fp^f.Fingerprints[h0]^f.Fingerprints[h1]^f.Fingerprints[h2] == 0
}

// Clone returns a shallow copy sharing the fingerprint array.
func (f *Fuse8) Clone() *Fuse8 {
	g := *f
	return &g
}

func (f *Fuse8) layout() fuseLayout {
	return fuseLayout{
		segmentLength:      f.SegmentLength,
		segmentLengthMask:  f.SegmentLengthMask,
		segmentCount:       f.SegmentCount,
		segmentCountLength: f.SegmentCountLength,
		arrayLength:        uint32(len(f.Fingerprints)),
	}
}

// sorted copy of 'digests' with duplicates removed
func dedupDigests(digests []uint64) []uint64 {
	out := make([]uint64, len(digests))
	copy(out, digests)
	slices.Sort(out)
	return slices.Compact(out)
}

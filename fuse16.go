// fuse16.go - binary fuse filter with 16-bit fingerprints
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

// Fuse16 is an immutable binary fuse membership filter with 16-bit
// fingerprints: a false positive rate of about 2^-16 at under 20 bits
// per entry. Clones share the fingerprint array; concurrent readers
// need no synchronization.
type Fuse16 struct {
	hasher Hasher

	Seed               uint64
	SegmentLength      uint32
	SegmentLengthMask  uint32
	SegmentCount       uint32
	SegmentCountLength uint32
	Fingerprints       []uint16

	numKeys    int
	hasNumKeys bool
}

// Fuse16Builder accumulates digests and builds an immutable Fuse16.
// Digests are buffered with set semantics: duplicates are silently
// collapsed, and Build peels them in sorted order so that the same
// digest set always yields the same filter.
type Fuse16Builder struct {
	digests map[uint64]bool
	hasher  Hasher
}

// NewFuse16Builder returns an empty builder using the default
// deterministic hasher for typed keys.
func NewFuse16Builder() *Fuse16Builder {
	return NewFuse16BuilderWith(DefaultHasher())
}

// NewFuse16BuilderWith returns an empty builder using the supplied
// hasher for typed keys.
func NewFuse16BuilderWith(h Hasher) *Fuse16Builder {
	return &Fuse16Builder{
		digests: make(map[uint64]bool),
		hasher:  h,
	}
}

// Hash computes the 64-bit digest of a typed key using the builder's
// hasher.
func (b *Fuse16Builder) Hash(key []byte) uint64 {
	return digestKey(b.hasher, key)
}

// Insert accumulates the digest of a single typed key.
func (b *Fuse16Builder) Insert(key []byte) error {
	if b.digests == nil {
		return ErrFrozen
	}

	b.digests[b.Hash(key)] = true
	return nil
}

// Populate accumulates digests for a collection of typed keys.
func (b *Fuse16Builder) Populate(keys [][]byte) error {
	if b.digests == nil {
		return ErrFrozen
	}

	for _, key := range keys {
		b.digests[b.Hash(key)] = true
	}
	return nil
}

// PopulateDigests accumulates pre-computed 64-bit digests.
func (b *Fuse16Builder) PopulateDigests(digests []uint64) error {
	if b.digests == nil {
		return ErrFrozen
	}

	for _, d := range digests {
		b.digests[d] = true
	}
	return nil
}

// Build consumes the accumulated digest set and constructs the
// filter.
func (b *Fuse16Builder) Build() (*Fuse16, error) {
	if b.digests == nil {
		return nil, ErrFrozen
	}

	digests := make([]uint64, 0, len(b.digests))
	for d := range b.digests {
		digests = append(digests, d)
	}
	slices.Sort(digests)
	return b.BuildFromDigests(digests)
}

// BuildFromDigests constructs the filter directly from the given
// digest slice, ignoring previously accumulated keys. The caller
// must ensure the digests are unique.
func (b *Fuse16Builder) BuildFromDigests(digests []uint64) (*Fuse16, error) {
	b.digests = nil

	size := uint32(len(digests))
	lay := planFuseLayout(size)

	f := &Fuse16{
		hasher:             b.hasher,
		SegmentLength:      lay.segmentLength,
		SegmentLengthMask:  lay.segmentLengthMask,
		SegmentCount:       lay.segmentCount,
		SegmentCountLength: lay.segmentCountLength,
		Fingerprints:       make([]uint16, lay.arrayLength),
		numKeys:            int(size),
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

	for iterations := 0; ; iterations++ {
		if iterations > _MaxIterations {
			return nil, ErrTooManyIterations
		}

		for i := uint32(0); i < block; i++ {
			// i * size would overflow 32 bits in some cases
			startPos[i] = uint32((uint64(i) * uint64(size)) >> bb)
		}
		maskBlock := uint64(block - 1)
		for _, digest := range digests {
			hash := mixsplit(digest, f.Seed)
			segIndex := hash >> (64 - bb)
			for reverseOrder[startPos[segIndex]] != 0 {
				segIndex++
				segIndex &= maskBlock
			}
			reverseOrder[startPos[segIndex]] = hash
			startPos[segIndex]++
		}

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
		fp := uint16(fingerprint(hash))
		found := reverseH[i]
		h012[0] = lay.slot(0, hash)
		h012[1] = lay.slot(1, hash)
		h012[2] = lay.slot(2, hash)
		h012[3] = h012[0]
		h012[4] = h012[1]
		f.Fingerprints[h012[found]] = fp ^
			f.Fingerprints[h012[found+1]] ^ f.Fingerprints[h012[found+2]]
	}

	return f, nil
}

// Len returns the number of distinct keys built into the filter; ok
// is false for a filter that was deserialized.
func (f *Fuse16) Len() (n int, ok bool) {
	return f.numKeys, f.hasNumKeys
}

// Hasher returns the hasher the filter applies to typed keys.
func (f *Fuse16) Hasher() Hasher {
	return f.hasher
}

// Hash computes the 64-bit digest of a typed key using the filter's
// hasher.
func (f *Fuse16) Hash(key []byte) uint64 {
	return digestKey(f.hasher, key)
}

// Contains tells whether a typed key is likely part of the set. It
// never reports false for a key that was built into the filter.
func (f *Fuse16) Contains(key []byte) bool {
	return f.ContainsDigest(f.Hash(key))
}

// ContainsDigest tells whether a pre-computed digest is likely part
// of the set.
func (f *Fuse16) ContainsDigest(digest uint64) bool {
	if f.hasNumKeys && f.numKeys == 0 {
		return false
	}

	hash := mixsplit(digest, f.Seed)
	fp := uint16(fingerprint(hash))
	h0, h1, h2 := f.layout().slots(hash)
	return fp^f.Fingerprints[h0]^f.Fingerprints[h1]^f.Fingerprints[h2] == 0
}

// Clone returns a shallow copy sharing the fingerprint array.
func (f *Fuse16) Clone() *Fuse16 {
	g := *f
	return &g
}

func (f *Fuse16) layout() fuseLayout {
	return fuseLayout{
		segmentLength:      f.SegmentLength,
		segmentLengthMask:  f.SegmentLengthMask,
		segmentCount:       f.SegmentCount,
		segmentCountLength: f.SegmentCountLength,
		arrayLength:        uint32(len(f.Fingerprints)),
	}
}

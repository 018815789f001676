// builder.go - Xor8 construction via hypergraph peeling
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
	"math"
)

// per-slot accumulator: xor of the mixed hashes of every digest
// mapping here, plus their count. When count == 1 the xor mask IS the
// remaining digest's mixed hash.
type xorset struct {
	xormask uint64
	count   uint32
}

// a peeled digest: its mixed hash and the absolute slot it owns
type keyIndex struct {
	hash  uint64
	index uint32
}

// Xor8Builder accumulates digests and builds an immutable Xor8.
// Digests are buffered with set semantics: duplicates are silently
// collapsed before the peel. A builder is single-use; Build consumes
// the accumulated set.
type Xor8Builder struct {
	digests  map[uint64]bool
	ndigests int
	hasher   Hasher
}

// NewXor8Builder returns an empty builder using the default
// deterministic hasher for typed keys.
func NewXor8Builder() *Xor8Builder {
	return NewXor8BuilderWith(DefaultHasher())
}

// NewXor8BuilderWith returns an empty builder using the supplied
// hasher for typed keys.
func NewXor8BuilderWith(h Hasher) *Xor8Builder {
	return &Xor8Builder{
		digests: make(map[uint64]bool),
		hasher:  h,
	}
}

// Hash computes the 64-bit digest of a typed key using the builder's
// hasher.
func (b *Xor8Builder) Hash(key []byte) uint64 {
	return digestKey(b.hasher, key)
}

// Insert accumulates the digest of a single typed key.
func (b *Xor8Builder) Insert(key []byte) error {
	if b.digests == nil {
		return ErrFrozen
	}

	b.digests[b.Hash(key)] = true
	b.ndigests++
	return nil
}

// Populate accumulates digests for a collection of typed keys.
func (b *Xor8Builder) Populate(keys [][]byte) error {
	if b.digests == nil {
		return ErrFrozen
	}

	for _, key := range keys {
		b.digests[b.Hash(key)] = true
	}
	b.ndigests += len(keys)
	return nil
}

// PopulateDigests accumulates pre-computed 64-bit digests.
func (b *Xor8Builder) PopulateDigests(digests []uint64) error {
	if b.digests == nil {
		return ErrFrozen
	}

	for _, d := range digests {
		b.digests[d] = true
	}
	b.ndigests += len(digests)
	return nil
}

// Build consumes the accumulated digest set and constructs the
// filter. It fails with ErrTooManyIterations only on pathological
// input; the intake is dropped either way.
func (b *Xor8Builder) Build() (*Xor8, error) {
	if b.digests == nil {
		return nil, ErrFrozen
	}

	digests := make([]uint64, 0, len(b.digests))
	for d := range b.digests {
		digests = append(digests, d)
	}
	return b.BuildFromDigests(digests)
}

// BuildFromDigests constructs the filter directly from the given
// digest slice, ignoring previously accumulated keys. The caller must
// ensure the digests are unique.
func (b *Xor8Builder) BuildFromDigests(digests []uint64) (*Xor8, error) {
	b.digests = nil

	size := len(digests)
	capacity := 32 + uint32(math.Ceil(1.23*float64(size)))
	capacity = capacity / 3 * 3 // round down to a multiple of 3

	f := &Xor8{
		hasher:      b.hasher,
		BlockLength: capacity / 3,
		numKeys:     size,
		hasNumKeys:  true,
	}

	rngcounter := uint64(1)
	f.Seed = splitmix64(&rngcounter)
	f.Fingerprints = make([]uint8, capacity)

	blockLength := int(f.BlockLength)
	q0 := make([]keyIndex, 0, blockLength)
	q1 := make([]keyIndex, 0, blockLength)
	q2 := make([]keyIndex, 0, blockLength)
	stack := make([]keyIndex, 0, size)
	sets0 := make([]xorset, blockLength)
	sets1 := make([]xorset, blockLength)
	sets2 := make([]xorset, blockLength)

	for iters := 0; ; iters++ {
		if iters > _MaxIterations {
			return nil, ErrTooManyIterations
		}

		for _, key := range digests {
			h := mixsplit(key, f.Seed)
			h0 := f.geth0(h)
			h1 := f.geth1(h)
			h2 := f.geth2(h)
			sets0[h0].xormask ^= h
			sets0[h0].count++
			sets1[h1].xormask ^= h
			sets1[h1].count++
			sets2[h2].xormask ^= h
			sets2[h2].count++
		}

		q0 = q0[:0]
		q1 = q1[:0]
		q2 = q2[:0]

		for i := 0; i < blockLength; i++ {
			if sets0[i].count == 1 {
				q0 = append(q0, keyIndex{hash: sets0[i].xormask, index: uint32(i)})
			}
		}
		for i := 0; i < blockLength; i++ {
			if sets1[i].count == 1 {
				q1 = append(q1, keyIndex{hash: sets1[i].xormask, index: uint32(i)})
			}
		}
		for i := 0; i < blockLength; i++ {
			if sets2[i].count == 1 {
				q2 = append(q2, keyIndex{hash: sets2[i].xormask, index: uint32(i)})
			}
		}

		stack = stack[:0]

		for len(q0) > 0 || len(q1) > 0 || len(q2) > 0 {
			for len(q0) > 0 {
				ki := q0[len(q0)-1]
				q0 = q0[:len(q0)-1]
				if sets0[ki.index].count == 0 {
					// emptied by an earlier pop
					continue
				}
				h1 := f.geth1(ki.hash)
				h2 := f.geth2(ki.hash)
				stack = append(stack, ki)

				s := &sets1[h1]
				s.xormask ^= ki.hash
				s.count--
				if s.count == 1 {
					q1 = append(q1, keyIndex{hash: s.xormask, index: h1})
				}

				s = &sets2[h2]
				s.xormask ^= ki.hash
				s.count--
				if s.count == 1 {
					q2 = append(q2, keyIndex{hash: s.xormask, index: h2})
				}
			}
			for len(q1) > 0 {
				ki := q1[len(q1)-1]
				q1 = q1[:len(q1)-1]
				if sets1[ki.index].count == 0 {
					continue
				}
				h0 := f.geth0(ki.hash)
				h2 := f.geth2(ki.hash)
				ki.index += f.BlockLength
				stack = append(stack, ki)

				s := &sets0[h0]
				s.xormask ^= ki.hash
				s.count--
				if s.count == 1 {
					q0 = append(q0, keyIndex{hash: s.xormask, index: h0})
				}

				s = &sets2[h2]
				s.xormask ^= ki.hash
				s.count--
				if s.count == 1 {
					q2 = append(q2, keyIndex{hash: s.xormask, index: h2})
				}
			}
			for len(q2) > 0 {
				ki := q2[len(q2)-1]
				q2 = q2[:len(q2)-1]
				if sets2[ki.index].count == 0 {
					continue
				}
				h0 := f.geth0(ki.hash)
				h1 := f.geth1(ki.hash)
				ki.index += 2 * f.BlockLength
				stack = append(stack, ki)

				s := &sets0[h0]
				s.xormask ^= ki.hash
				s.count--
				if s.count == 1 {
					q0 = append(q0, keyIndex{hash: s.xormask, index: h0})
				}

				s = &sets1[h1]
				s.xormask ^= ki.hash
				s.count--
				if s.count == 1 {
					q1 = append(q1, keyIndex{hash: s.xormask, index: h1})
				}
			}
		}

		if len(stack) == size {
			break
		}

		for i := range sets0 {
			sets0[i] = xorset{}
		}
		for i := range sets1 {
			sets1[i] = xorset{}
		}
		for i := range sets2 {
			sets2[i] = xorset{}
		}
		f.Seed = splitmix64(&rngcounter)
	}

	// Back-fill in reverse peel order: the two partner slots of the
	// popped entry are already final (or still zero), so the XOR of
	// all three yields the digest's fingerprint at query time.
	for len(stack) > 0 {
		ki := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		val := uint8(fingerprint(ki.hash))
		switch {
		case ki.index < f.BlockLength:
			val ^= f.Fingerprints[f.geth1(ki.hash)+f.BlockLength] ^
				f.Fingerprints[f.geth2(ki.hash)+2*f.BlockLength]
		case ki.index < 2*f.BlockLength:
			val ^= f.Fingerprints[f.geth0(ki.hash)] ^
				f.Fingerprints[f.geth2(ki.hash)+2*f.BlockLength]
		default:
			val ^= f.Fingerprints[f.geth0(ki.hash)] ^
				f.Fingerprints[f.geth1(ki.hash)+f.BlockLength]
		}
		f.Fingerprints[ki.index] = val
	}

	return f, nil
}

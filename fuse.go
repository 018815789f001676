// fuse.go - segment geometry shared by the binary fuse filters
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

// fuseLayout is the segmented slot geometry of a binary fuse filter,
// planned once from the final key count. The fingerprint array is
// (segmentCount + 2) segments long; a digest maps to one slot in each
// of three consecutive segments.
type fuseLayout struct {
	segmentLength      uint32
	segmentLengthMask  uint32
	segmentCount       uint32
	segmentCountLength uint32
	arrayLength        uint32
}

// These parameters are very sensitive: replacing 'floor' by 'round'
// substantially affects the construction time and, near the
// boundaries, the success probability.
func calcSegmentLength(arity, size uint32) uint32 {
	ln := math.Log(float64(size))
	switch arity {
	case 3:
		return 1 << uint32(math.Floor(ln/math.Log(3.33)+2.25))
	case 4:
		return 1 << uint32(math.Floor(ln/math.Log(2.91)-0.50))
	}
	return 65536
}

func calcSizeFactor(arity, size uint32) float64 {
	ln := math.Log(float64(size))
	switch arity {
	case 3:
		return math.Max(1.125, 0.875+0.250*math.Log(1000000.0)/ln)
	case 4:
		return math.Max(1.075, 0.770+0.305*math.Log(600000.0)/ln)
	}
	return 2.0
}

func planFuseLayout(size uint32) fuseLayout {
	const arity = 3

	segmentLength := uint32(4)
	if size > 0 {
		segmentLength = calcSegmentLength(arity, size)
		if segmentLength > 262144 {
			segmentLength = 262144
		}
	}

	var capacity uint32
	if size > 1 {
		capacity = uint32(math.Round(float64(size) * calcSizeFactor(arity, size)))
	}

	// n wraps around for tiny sizes; the recomputation below brings
	// segmentCount back to at least 1.
	n := (capacity+segmentLength-1)/segmentLength - (arity - 1)
	arrayLength := (n + arity - 1) * segmentLength

	segmentCount := (arrayLength + segmentLength - 1) / segmentLength
	if segmentCount <= arity-1 {
		segmentCount = 1
	} else {
		segmentCount -= arity - 1
	}
	arrayLength = (segmentCount + arity - 1) * segmentLength

	return fuseLayout{
		segmentLength:      segmentLength,
		segmentLengthMask:  segmentLength - 1,
		segmentCount:       segmentCount,
		segmentCountLength: segmentCount * segmentLength,
		arrayLength:        arrayLength,
	}
}

// slot of 'hash' for position index in {0,1,2}
func (l fuseLayout) slot(index uint32, hash uint64) uint32 {
	h := mulhi(hash, uint64(l.segmentCountLength))
	h += uint64(index * l.segmentLength)
	// keep the lower 36 bits; index 0 shifts them out entirely,
	// index 1 by 18, index 2 not at all
	hh := hash & ((1 << 36) - 1)
	h ^= (hh >> (36 - 18*index)) & uint64(l.segmentLengthMask)
	return uint32(h)
}

// all three slots of 'hash' at once; the query-path form
func (l fuseLayout) slots(hash uint64) (uint32, uint32, uint32) {
	h0 := uint32(mulhi(hash, uint64(l.segmentCountLength)))
	h1 := h0 + l.segmentLength
	h2 := h1 + l.segmentLength
	h1 ^= uint32(hash>>18) & l.segmentLengthMask
	h2 ^= uint32(hash) & l.segmentLengthMask
	return h0, h1, h2
}

// number of bits needed to index the placement blocks
func blockBits(segmentCount uint32) int {
	bb := 1
	for (uint32(1) << bb) < segmentCount {
		bb++
	}
	return bb
}

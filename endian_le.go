// endian_le.go -- endian conversion routines for little-endian archs.
// The mmap'd DB tables are stored little-endian; on these archs the
// conversions are idempotent.
//
// (c) Sudhi Herle 2018
//
// Author: Sudhi Herle <sudhi@herle.net>
//
// This software does not come with any express or implied
// warranty; it is provided "as is". No claim  is made to its
// suitability for any purpose.

//go:build !ppc64 && !mips && !mips64

package xorfilter

func toLittleEndianUint64(v uint64) uint64 {
	return v
}

func toLittleEndianUint32(v uint32) uint32 {
	return v
}

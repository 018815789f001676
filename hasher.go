// hasher.go - pluggable 64-bit hashers for typed keys
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
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/dchest/siphash"
	"github.com/gtank/blake2/blake2b"
)

// Hasher builds one-shot 64-bit hashers used to map typed keys to
// digests. Both the builders and the built filters carry one; a
// filter answers typed-key queries by hashing through the same
// instance that digested the keys at build time.
//
// Implementations must be safe to share across goroutines.
type Hasher interface {
	// New returns a fresh one-shot hasher: write the key bytes,
	// then call Sum64.
	New() hash.Hash64

	// State returns an opaque serialization of the hasher for
	// embedding in a persisted filter. The default hasher
	// serializes to an empty state.
	State() []byte
}

// tags identifying a serialized hasher state; the default hasher has
// an empty state and no tag.
const (
	_HasherSip      = 's'
	_HasherBlake2   = 'b'
	_HasherIdentity = 'n'
)

// fixed SipHash-2-4 key of the default hasher
var defaultSipKey = [16]byte{
	0x67, 0x6f, 0x2d, 0x78, 0x6f, 0x72, 0x66, 0x69,
	0x6c, 0x74, 0x65, 0x72, 0x2d, 0x73, 0x69, 0x70,
}

type sipHasher struct {
	key   []byte
	fixed bool
}

// DefaultHasher returns the deterministic default hasher: SipHash-2-4
// with a fixed key. Every instance produces the same digests for the
// same keys.
func DefaultHasher() Hasher {
	return &sipHasher{key: defaultSipKey[:], fixed: true}
}

// RandomHasher returns a per-instance salted SipHash-2-4 hasher. Two
// instances produce different digests for the same keys.
func RandomHasher() Hasher {
	return &sipHasher{key: randbytes(16)}
}

func (s *sipHasher) New() hash.Hash64 {
	return siphash.New(s.key)
}

func (s *sipHasher) State() []byte {
	if s.fixed {
		return nil
	}

	st := make([]byte, 0, 1+len(s.key))
	st = append(st, _HasherSip)
	return append(st, s.key...)
}

// Blake2Hasher returns a hasher producing keyed BLAKE2b digests
// truncated to 64 bits; for callers that want collision resistant
// digests. 'key' may be nil for the unkeyed variant.
func Blake2Hasher(key []byte) Hasher {
	return &blake2Hasher{key: key}
}

type blake2Hasher struct {
	key []byte
}

func (b *blake2Hasher) New() hash.Hash64 {
	d, err := blake2b.NewDigest(b.key, nil, nil, 64)
	if err != nil {
		panic(fmt.Sprintf("xorfilter: blake2b init: %s", err))
	}
	return &blake2sum64{d}
}

func (b *blake2Hasher) State() []byte {
	st := make([]byte, 0, 1+len(b.key))
	st = append(st, _HasherBlake2)
	return append(st, b.key...)
}

// blake2sum64 adapts the 64-byte BLAKE2b digest to hash.Hash64;
// Sum64 returns its first 8 bytes
type blake2sum64 struct {
	hash.Hash
}

func (b *blake2sum64) Sum64() uint64 {
	var s [64]byte
	sum := b.Hash.Sum(s[:0])
	return binary.BigEndian.Uint64(sum[:8])
}

// IdentityHasher returns the no-op hasher installed when callers work
// exclusively with pre-computed digests. Hashing a typed key through
// it is a programming error and panics.
func IdentityHasher() Hasher {
	return identityHasher{}
}

type identityHasher struct{}

func (identityHasher) New() hash.Hash64 {
	return nopHash{}
}

func (identityHasher) State() []byte {
	return []byte{_HasherIdentity}
}

type nopHash struct{}

func (nopHash) Write([]byte) (int, error) {
	panic("xorfilter: identity hasher cannot hash typed keys")
}

func (nopHash) Sum64() uint64 {
	panic("xorfilter: identity hasher cannot hash typed keys")
}

func (nopHash) Sum([]byte) []byte {
	panic("xorfilter: identity hasher cannot hash typed keys")
}

func (nopHash) Reset()         {}
func (nopHash) Size() int      { return 8 }
func (nopHash) BlockSize() int { return 8 }

// hasherFromState reconstructs a hasher from its serialized state; an
// empty state is the default hasher.
func hasherFromState(b []byte) (Hasher, error) {
	if len(b) == 0 {
		return DefaultHasher(), nil
	}

	switch b[0] {
	case _HasherSip:
		if len(b) != 17 {
			return nil, fmt.Errorf("xorfilter: bad siphash state length %d: %w", len(b), ErrInvalidByteSlice)
		}
		key := make([]byte, 16)
		copy(key, b[1:])
		return &sipHasher{key: key}, nil

	case _HasherBlake2:
		key := make([]byte, len(b)-1)
		copy(key, b[1:])
		return &blake2Hasher{key: key}, nil

	case _HasherIdentity:
		return identityHasher{}, nil
	}

	return nil, fmt.Errorf("xorfilter: unknown hasher state tag %#x: %w", b[0], ErrInvalidByteSlice)
}

// digest a typed key through hasher 'h'
func digestKey(h Hasher, key []byte) uint64 {
	hh := h.New()
	hh.Write(key)
	return hh.Sum64()
}

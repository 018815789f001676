// xor8_test.go -- test suite for the Xor8 filter
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
	"path/filepath"
	"testing"

	"github.com/opencoff/go-fasthash"
)

// https://ashleygwilliams.github.io/gotober-2018/#103
var rustTips = []string{
	"don't rewrite your software in rust",
	"show up with code",
	"don't sell",
	"sell sell sell",
	"the hard part of programming is not programming",
	"the hard part of programming is programming",
	"be prepared for change",
	"be prepared for things to stay the same",
	"have a problem to solve",
	"learning curves are a blessing in disguise",
}

func TestXor8Sequential(t *testing.T) {
	assert := newAsserter(t)

	keys := make([]uint64, 10000)
	for i := range keys {
		keys[i] = uint64(i + 1)
	}

	f, err := NewXor8Builder().BuildFromDigests(keys)
	assert(err == nil, "build failed: %s", err)

	n, ok := f.Len()
	assert(ok && n == len(keys), "key count: exp %d, saw %d", len(keys), n)

	for _, k := range keys {
		assert(f.ContainsDigest(k), "key %d not present", k)
	}

	misses := 0
	for k := uint64(10001); k <= 20000; k++ {
		if f.ContainsDigest(k) {
			misses++
		}
	}
	rate := float64(misses) / 100.0
	assert(rate < 1.0, "false positive rate %f%% >= 1%%", rate)
}

func TestXor8StringKeys(t *testing.T) {
	assert := newAsserter(t)

	b := NewXor8Builder()
	for _, tip := range rustTips {
		err := b.Insert([]byte(tip))
		assert(err == nil, "insert failed: %s", err)
	}

	f, err := b.Build()
	assert(err == nil, "build failed: %s", err)

	for _, tip := range rustTips {
		assert(f.Contains([]byte(tip)), "%q not present", tip)
	}

	// last character removed
	assert(!f.Contains([]byte("show up with cod")), "truncated key present")
	// string not in the key set
	assert(!f.Contains([]byte("No magic, just code")), "absent key present")
}

func TestXor8Duplicates(t *testing.T) {
	assert := newAsserter(t)

	b := NewXor8Builder()
	for i := 0; i < 3; i++ {
		b.Populate([][]byte{[]byte("foo"), []byte("bar")})
	}
	b.PopulateDigests([]uint64{42, 42, 42})

	f, err := b.Build()
	assert(err == nil, "build failed: %s", err)

	n, ok := f.Len()
	assert(ok && n == 3, "duplicates not collapsed: exp 3, saw %d", n)
	assert(f.Contains([]byte("foo")), "foo not present")
	assert(f.Contains([]byte("bar")), "bar not present")
	assert(f.ContainsDigest(42), "digest 42 not present")
}

func TestXor8Boundary(t *testing.T) {
	assert := newAsserter(t)

	// N = 0
	f, err := NewXor8Builder().Build()
	assert(err == nil, "empty build failed: %s", err)
	n, ok := f.Len()
	assert(ok && n == 0, "empty filter key count %d", n)
	for k := uint64(0); k < 100; k++ {
		assert(!f.ContainsDigest(k), "empty filter claims %d", k)
	}
	assert(!f.Contains([]byte("anything")), "empty filter claims a key")

	// N = 1, N = 2
	for _, keys := range [][]uint64{{0xdeadbeef}, {1, 2}} {
		f, err := NewXor8Builder().BuildFromDigests(keys)
		assert(err == nil, "build of %d keys failed: %s", len(keys), err)
		for _, k := range keys {
			assert(f.ContainsDigest(k), "key %d not present", k)
		}
	}
}

func TestXor8Determinism(t *testing.T) {
	assert := newAsserter(t)

	seed := uint64(0xdeadbeefcafebabe)
	keys := generateDigests(&seed, 50000)

	f1, err := NewXor8Builder().BuildFromDigests(keys)
	assert(err == nil, "build failed: %s", err)
	f2, err := NewXor8Builder().BuildFromDigests(keys)
	assert(err == nil, "build failed: %s", err)

	assert(f1.Equal(f2), "same digests, unequal filters")

	// construction is insensitive to intake order
	b := NewXor8Builder()
	for i := len(keys) - 1; i >= 0; i-- {
		b.PopulateDigests(keys[i : i+1])
	}
	f3, err := b.Build()
	assert(err == nil, "build failed: %s", err)
	assert(f1.Equal(f3), "reordered digests, unequal filters")
}

func TestXor8BitsPerKeyAndFpp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fpp measurement in -short mode")
	}
	assert := newAsserter(t)

	seed := uint64(0x0102030405060708)
	testsize := 100000
	keys := generateDigests(&seed, testsize)

	f, err := NewXor8Builder().BuildFromDigests(keys)
	assert(err == nil, "build failed: %s", err)

	for _, k := range keys {
		assert(f.ContainsDigest(k), "key %d not present", k)
	}

	bpv := float64(len(f.Fingerprints)) * 8.0 / float64(testsize)
	t.Logf("bits per entry %v bits", bpv)
	assert(bpv <= 10.0, "bpv(%v) > 10.0", bpv)

	member := make(map[uint64]bool, testsize)
	for _, k := range keys {
		member[k] = true
	}

	falsesize := 10000000
	matches := 0
	for i := 0; i < falsesize; i++ {
		v := splitmix64(&seed)
		if member[v] {
			continue
		}
		if f.ContainsDigest(v) {
			matches++
		}
	}
	fpp := float64(matches) * 100.0 / float64(falsesize)
	t.Logf("false positive rate %v%%", fpp)
	assert(fpp < 0.40, "fpp(%v) >= 0.40", fpp)
}

func TestXor8MarshalRoundTrip(t *testing.T) {
	assert := newAsserter(t)

	seed := rand64()
	keys := generateDigests(&seed, 10000)

	b := NewXor8Builder()
	b.PopulateDigests(keys)
	f, err := b.Build()
	assert(err == nil, "build failed: %s", err)

	buf, err := f.MarshalBinary()
	assert(err == nil, "marshal failed: %s", err)

	g, err := UnmarshalXor8(buf)
	assert(err == nil, "unmarshal failed: %s", err)
	assert(f.Equal(g), "filter unequal after encode and decode")
	assert(f.Seed == g.Seed, "seed: exp %#x, saw %#x", f.Seed, g.Seed)
	assert(f.BlockLength == g.BlockLength, "block length: exp %d, saw %d",
		f.BlockLength, g.BlockLength)

	for _, k := range keys {
		assert(g.ContainsDigest(k), "key %d lost in round trip", k)
	}

	// file round trip
	fn := filepath.Join(t.TempDir(), "xor8.bin")
	err = f.WriteFile(fn)
	assert(err == nil, "write file: %s", err)

	h, err := ReadFileXor8(fn)
	assert(err == nil, "read file: %s", err)
	assert(f.Equal(h), "filter unequal after file round trip")
}

func TestXor8MarshalV1(t *testing.T) {
	assert := newAsserter(t)

	b := NewXor8Builder()
	b.Populate([][]byte{[]byte("foo"), []byte("bar"), []byte("baz")})
	f, err := b.Build()
	assert(err == nil, "build failed: %s", err)

	// hand-roll a v1 buffer: v2 header minus the hasher-state block
	v2, err := f.MarshalBinary()
	assert(err == nil, "marshal failed: %s", err)

	v1 := make([]byte, 0, len(v2)-4)
	v1 = append(v1, signatureV1...)
	v1 = append(v1, v2[4:20]...)
	v1 = append(v1, f.Fingerprints...)

	g, err := UnmarshalXor8(v1)
	assert(err == nil, "v1 unmarshal failed: %s", err)
	assert(f.Equal(g), "filter unequal after v1 decode")

	// v1 installs the default hasher; this filter was built with it,
	// so typed queries keep working
	assert(g.Contains([]byte("foo")), "foo lost in v1 round trip")
}

func TestXor8MarshalErrors(t *testing.T) {
	assert := newAsserter(t)

	f, err := NewXor8Builder().BuildFromDigests([]uint64{1, 2, 3})
	assert(err == nil, "build failed: %s", err)

	buf, err := f.MarshalBinary()
	assert(err == nil, "marshal failed: %s", err)

	// unrecognized signature
	bad := bytes.Clone(buf)
	bad[0] = 'X'
	_, err = UnmarshalXor8(bad)
	assert(err == ErrInvalidSignature, "exp ErrInvalidSignature, saw %v", err)

	// future version
	bad = bytes.Clone(buf)
	bad[3] = 9
	_, err = UnmarshalXor8(bad)
	assert(err == ErrInvalidSignature, "exp ErrInvalidSignature, saw %v", err)

	// truncated header
	_, err = UnmarshalXor8(buf[:10])
	assert(err == ErrInvalidByteSlice, "exp ErrInvalidByteSlice, saw %v", err)

	// truncated fingerprints
	_, err = UnmarshalXor8(buf[:len(buf)-8])
	assert(err == ErrInvalidByteSlice, "exp ErrInvalidByteSlice, saw %v", err)
}

func TestXor8RandomHashers(t *testing.T) {
	assert := newAsserter(t)

	build := func() *Xor8 {
		b := NewXor8BuilderWith(RandomHasher())
		for _, tip := range rustTips {
			b.Insert([]byte(tip))
		}
		f, err := b.Build()
		assert(err == nil, "build failed: %s", err)
		return f
	}

	f1 := build()
	f2 := build()

	b1, err := f1.MarshalBinary()
	assert(err == nil, "marshal failed: %s", err)
	b2, err := f2.MarshalBinary()
	assert(err == nil, "marshal failed: %s", err)
	assert(!bytes.Equal(b1, b2), "filters with independent salts serialized equal")

	for _, tip := range rustTips {
		assert(f1.Contains([]byte(tip)), "f1: %q not present", tip)
		assert(f2.Contains([]byte(tip)), "f2: %q not present", tip)
	}

	// serialization carries the salted hasher; typed queries still
	// work after a round trip
	g1, err := UnmarshalXor8(b1)
	assert(err == nil, "unmarshal failed: %s", err)
	for _, tip := range rustTips {
		assert(g1.Contains([]byte(tip)), "decoded f1: %q not present", tip)
	}
}

func TestXor8PrehashedKeys(t *testing.T) {
	assert := newAsserter(t)

	hseed := rand64()
	digests := make([]uint64, len(rustTips))
	for i, s := range rustTips {
		digests[i] = fasthash.Hash64(hseed, []byte(s))
	}

	b := NewXor8BuilderWith(IdentityHasher())
	b.PopulateDigests(digests)
	f, err := b.Build()
	assert(err == nil, "build failed: %s", err)

	for i, d := range digests {
		assert(f.ContainsDigest(d), "key %q <%#x> not present", rustTips[i], d)
	}

	// typed-key queries through the identity hasher are a
	// programming error
	panicked := func() (p bool) {
		defer func() {
			if recover() != nil {
				p = true
			}
		}()
		f.Contains([]byte("x"))
		return false
	}()
	assert(panicked, "typed query through identity hasher did not panic")
}

func TestXor8Frozen(t *testing.T) {
	assert := newAsserter(t)

	b := NewXor8Builder()
	b.Insert([]byte("foo"))
	_, err := b.Build()
	assert(err == nil, "build failed: %s", err)

	err = b.Insert([]byte("bar"))
	assert(err == ErrFrozen, "exp ErrFrozen, saw %v", err)
	_, err = b.Build()
	assert(err == ErrFrozen, "exp ErrFrozen, saw %v", err)
}

func TestXor8Immutability(t *testing.T) {
	assert := newAsserter(t)

	seed := rand64()
	keys := generateDigests(&seed, 1000)

	f, err := NewXor8Builder().BuildFromDigests(keys)
	assert(err == nil, "build failed: %s", err)

	before := bytes.Clone(f.Fingerprints)
	for i := 0; i < 100000; i++ {
		f.ContainsDigest(splitmix64(&seed))
	}
	g := f.Clone()
	for _, k := range keys {
		g.ContainsDigest(k)
	}
	assert(bytes.Equal(before, f.Fingerprints), "queries mutated the filter")
}

// hasher_test.go -- test suite for the hasher adapters
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
	"testing"
)

func TestDefaultHasherDeterministic(t *testing.T) {
	assert := newAsserter(t)

	h1 := DefaultHasher()
	h2 := DefaultHasher()

	for _, s := range []string{"", "a", "foo", "some longer key material"} {
		d1 := digestKey(h1, []byte(s))
		d2 := digestKey(h2, []byte(s))
		assert(d1 == d2, "%q: default hasher not deterministic: %#x vs %#x", s, d1, d2)
	}

	assert(len(h1.State()) == 0, "default hasher state not empty")
}

func TestRandomHasherDiffers(t *testing.T) {
	assert := newAsserter(t)

	h1 := RandomHasher()
	h2 := RandomHasher()

	d1 := digestKey(h1, []byte("foo"))
	d2 := digestKey(h2, []byte("foo"))
	assert(d1 != d2, "two random hashers agree on a digest")

	// but each instance is internally consistent
	assert(d1 == digestKey(h1, []byte("foo")), "random hasher not stable")
}

func TestIdentityHasherPanics(t *testing.T) {
	assert := newAsserter(t)

	h := IdentityHasher()

	expectPanic := func(f func()) (panicked bool) {
		defer func() {
			if recover() != nil {
				panicked = true
			}
		}()
		f()
		return false
	}

	hh := h.New()
	assert(expectPanic(func() { hh.Write([]byte("x")) }), "Write did not panic")
	assert(expectPanic(func() { hh.Sum64() }), "Sum64 did not panic")
}

func TestBlake2Hasher(t *testing.T) {
	assert := newAsserter(t)

	key := randbytes(32)
	h1 := Blake2Hasher(key)
	h2 := Blake2Hasher(key)

	d1 := digestKey(h1, []byte("foo"))
	assert(d1 == digestKey(h2, []byte("foo")), "same key, different digests")
	assert(d1 != 0, "implausible zero digest")

	h3 := Blake2Hasher(randbytes(32))
	assert(d1 != digestKey(h3, []byte("foo")), "different keys agree on a digest")

	h4 := Blake2Hasher(nil)
	assert(digestKey(h4, []byte("foo")) != d1, "keyed and unkeyed agree")
}

func TestHasherStateRoundTrip(t *testing.T) {
	assert := newAsserter(t)

	for _, h := range []Hasher{RandomHasher(), Blake2Hasher(randbytes(16))} {
		g, err := hasherFromState(h.State())
		assert(err == nil, "state decode failed: %s", err)

		d1 := digestKey(h, []byte("round trip"))
		d2 := digestKey(g, []byte("round trip"))
		assert(d1 == d2, "digests differ after state round trip: %#x vs %#x", d1, d2)
	}

	// default hasher round-trips through the empty state
	g, err := hasherFromState(nil)
	assert(err == nil, "empty state decode failed: %s", err)
	assert(digestKey(g, []byte("x")) == digestKey(DefaultHasher(), []byte("x")),
		"empty state did not yield the default hasher")

	// identity hasher state decodes but stays query-only
	g, err = hasherFromState(IdentityHasher().State())
	assert(err == nil, "identity state decode failed: %s", err)
	_, ok := g.(identityHasher)
	assert(ok, "identity state decoded to %T", g)

	// junk states are rejected
	_, err = hasherFromState([]byte{'?', 1, 2, 3})
	assert(err != nil, "junk state accepted")
	_, err = hasherFromState([]byte{_HasherSip, 1, 2, 3})
	assert(err != nil, "short siphash state accepted")
}

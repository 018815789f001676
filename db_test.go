// db_test.go -- test suite for dbreader/dbwriter
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
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// deterministic key/value fixture: content-addressed blob names
// mapped to their replica locations
func dbTestPairs(n int) (keys [][]byte, vals [][]byte) {
	seed := uint64(0x0b10b5708e5eed)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("blob/%016x", splitmix64(&seed))
		v := fmt.Sprintf("replica-%d/seg/%x", i%7, splitmix64(&seed))
		keys = append(keys, []byte(k))
		vals = append(vals, []byte(v))
	}
	return keys, vals
}

func TestDB(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "blobs.db")
	keys, vals := dbTestPairs(20)

	wr, err := NewDBWriter(fn)
	assert(err == nil, "can't create db: %s", err)

	for i := range keys {
		err = wr.Add(keys[i], vals[i])
		assert(err == nil, "can't add key %s: %s", keys[i], err)
	}
	assert(wr.Len() == len(keys), "writer len: exp %d, saw %d", len(keys), wr.Len())

	err = wr.Freeze()
	assert(err == nil, "freeze failed: %s", err)

	rd, err := NewDBReader(fn, 10)
	assert(err == nil, "read failed: %s", err)
	defer rd.Close()

	assert(rd.Len() == len(keys), "reader len: exp %d, saw %d", len(keys), rd.Len())

	for i := range keys {
		assert(rd.Contains(keys[i]), "filter rejects %s", keys[i])

		v, err := rd.Find(keys[i])
		assert(err == nil, "can't find %s: %s", keys[i], err)
		assert(bytes.Equal(v, vals[i]), "%s: exp %s, saw %s", keys[i], vals[i], v)

		// cached on the second hit
		v, ok := rd.Lookup(keys[i])
		assert(ok, "lookup of %s failed", keys[i])
		assert(bytes.Equal(v, vals[i]), "%s: cached exp %s, saw %s", keys[i], vals[i], v)
	}

	for _, s := range []string{"blob/not-there", "absent", "BLOB/0"} {
		_, err := rd.Find([]byte(s))
		assert(err == ErrNoKey, "%s: exp ErrNoKey, saw %v", s, err)

		_, ok := rd.Lookup([]byte(s))
		assert(!ok, "lookup of absent key %s succeeded", s)
	}
}

func TestDBDuplicate(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "dup.db")

	wr, err := NewDBWriter(fn)
	assert(err == nil, "can't create db: %s", err)
	defer wr.Abort()

	err = wr.Add([]byte("foo"), []byte("1"))
	assert(err == nil, "add failed: %s", err)
	err = wr.Add([]byte("foo"), []byte("2"))
	assert(err == ErrExists, "exp ErrExists, saw %v", err)

	n, err := wr.AddKeyVals(
		[][]byte{[]byte("foo"), []byte("bar")},
		[][]byte{[]byte("3"), []byte("4")})
	assert(err == nil, "addkeyvals failed: %s", err)
	assert(n == 1, "addkeyvals: exp 1 added, saw %d", n)
}

func TestDBEmptyValues(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "empty.db")

	wr, err := NewDBWriter(fn)
	assert(err == nil, "can't create db: %s", err)

	err = wr.Add([]byte("just-a-member"), nil)
	assert(err == nil, "add failed: %s", err)
	err = wr.Add([]byte("with-value"), []byte("v"))
	assert(err == nil, "add failed: %s", err)

	err = wr.Freeze()
	assert(err == nil, "freeze failed: %s", err)

	rd, err := NewDBReader(fn, 0)
	assert(err == nil, "read failed: %s", err)
	defer rd.Close()

	v, err := rd.Find([]byte("just-a-member"))
	assert(err == nil, "find failed: %s", err)
	assert(len(v) == 0, "exp empty value, saw %q", v)

	v, err = rd.Find([]byte("with-value"))
	assert(err == nil, "find failed: %s", err)
	assert(bytes.Equal(v, []byte("v")), "exp v, saw %q", v)
}

func TestDBFrozen(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "frozen.db")

	wr, err := NewDBWriter(fn)
	assert(err == nil, "can't create db: %s", err)

	err = wr.Add([]byte("foo"), []byte("1"))
	assert(err == nil, "add failed: %s", err)
	err = wr.Freeze()
	assert(err == nil, "freeze failed: %s", err)

	err = wr.Add([]byte("bar"), []byte("2"))
	assert(err == ErrFrozen, "exp ErrFrozen, saw %v", err)
	err = wr.Freeze()
	assert(err == ErrFrozen, "exp ErrFrozen, saw %v", err)
}

func TestDBCorrupt(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "corrupt.db")
	keys, vals := dbTestPairs(20)

	wr, err := NewDBWriter(fn)
	assert(err == nil, "can't create db: %s", err)
	for i := range keys {
		err = wr.Add(keys[i], vals[i])
		assert(err == nil, "can't add key %s: %s", keys[i], err)
	}
	err = wr.Freeze()
	assert(err == nil, "freeze failed: %s", err)

	// flip one byte of the checksummed region
	buf, err := os.ReadFile(fn)
	assert(err == nil, "readback failed: %s", err)

	st, err := os.Stat(fn)
	assert(err == nil, "stat failed: %s", err)
	buf[st.Size()-40] ^= 0xff
	err = os.WriteFile(fn, buf, 0600)
	assert(err == nil, "rewrite failed: %s", err)

	_, err = NewDBReader(fn, 10)
	assert(err != nil, "corrupted db opened without error")

	// bad magic
	buf[st.Size()-40] ^= 0xff
	buf[0] = 'Z'
	err = os.WriteFile(fn, buf, 0600)
	assert(err == nil, "rewrite failed: %s", err)

	_, err = NewDBReader(fn, 10)
	assert(err != nil, "db with bad magic opened without error")

	// truncated file
	err = os.WriteFile(fn, buf[:50], 0600)
	assert(err == nil, "rewrite failed: %s", err)

	_, err = NewDBReader(fn, 10)
	assert(err != nil, "truncated db opened without error")
}

func TestDBCorruptRecord(t *testing.T) {
	assert := newAsserter(t)

	fn := filepath.Join(t.TempDir(), "badrec.db")
	keys, vals := dbTestPairs(4)

	wr, err := NewDBWriter(fn)
	assert(err == nil, "can't create db: %s", err)
	for i := range keys {
		err = wr.Add(keys[i], vals[i])
		assert(err == nil, "can't add key %s: %s", keys[i], err)
	}
	err = wr.Freeze()
	assert(err == nil, "freeze failed: %s", err)

	// records live between the header and the tables and are not
	// covered by the metadata checksum; flip a value byte and the
	// per-record checksum catches it at Find time
	buf, err := os.ReadFile(fn)
	assert(err == nil, "readback failed: %s", err)
	buf[64+8] ^= 0xff // first value byte of the first record
	err = os.WriteFile(fn, buf, 0600)
	assert(err == nil, "rewrite failed: %s", err)

	rd, err := NewDBReader(fn, 0)
	assert(err == nil, "read failed: %s", err)
	defer rd.Close()

	damaged := 0
	for _, k := range keys {
		if _, err := rd.Find(k); err != nil && err != ErrNoKey {
			damaged++
		}
	}
	assert(damaged == 1, "exp 1 damaged record, saw %d", damaged)
}

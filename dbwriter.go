// dbwriter.go -- Constant membership DB built on top of an Xor8 filter
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
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
)

// Most data is serialized as big-endian integers. The exceptions are:
// Digest and value-length tables:
//     These are mmap'd into the process and written as little-endian.
//     On big-endian systems, the DBReader code will convert them on
//     the fly to native-endian.

// DBWriter represents an abstraction to construct a read-only constant
// database of keys and values. Keys are digested through a per-DB
// random-seeded hasher; an Xor8 filter over the digests is embedded in
// the DB so that readers reject absent keys without touching the key
// table. The DB meta-data is protected by a strong checksum
// (SHA512-256) and each stored value is protected by a distinct
// siphash-2-4. Once all addition of key/val is complete, the DB is
// written to disk via the Freeze() function.
//
// We don't want to use SHA512-256 over the entire file - because it
// will mean reading a potentially large file in DBReader(). By using
// checksums separately per record, we increase the overhead a bit -
// but speed up DBReader initialization for the common case; we will be
// verifying actual records opportunistically.
//
// The DB has the following general structure:
//   - 64 byte file header: big-endian encoding of all multibyte ints
//      * magic    [4]byte "XFDB"
//      * flags    uint32  for now, all zeros
//      * salt     [16]byte random salt for siphash record integrity
//      * nkeys    uint64  Number of keys in the DB
//      * offtbl   uint64  File offset of the digest table
//
//   - Contiguous series of records; each record holds one value (keys
//     are not stored, only their digests in the table below):
//      * cksum    uint64  Siphash checksum of value, offset (big endian)
//      * val      []byte  value bytes
//
//   - Possibly a gap until the next page boundary (os.Getpagesize())
//   - Digest table: nkeys entries sorted by digest, little-endian,
//     mmap'd by the reader. Entry 'i' has two 64-bit words:
//      * offset in the file where the corresponding value can be found
//      * digest of the corresponding key
//   - Val_len table: nkeys little-endian uint32 value lengths in the
//     same order, padded to the next 64-bit boundary.
//   - Marshaled Xor8 filter bytes (Xor8:MarshalBinary()); the filter
//     carries the hasher state needed to digest lookup keys.
//   - 32 bytes of strong checksum (SHA512_256); this checksum is done
//     over the file header, both tables and the marshaled filter.
type DBWriter struct {
	fd  *os.File
	bld *Xor8Builder

	// to detect duplicates
	keymap map[uint64]*value

	// siphash key: just the random salt
	salt []byte

	// running count of current offset within fd where we are
	// writing records
	off uint64

	fntmp  string // tmp file name
	fn     string // final file holding the DB
	frozen bool
}

// things associated with each key/value pair
type value struct {
	off  uint64
	vlen uint32
}

// NewDBWriter prepares file 'fn' to hold a constant membership DB.
// Once written, the DB is "frozen" and readers will open it using
// NewDBReader() to look up values by key (a filter check followed by
// a binary search of the sorted digest table).
func NewDBWriter(fn string) (*DBWriter, error) {
	tmp := fmt.Sprintf("%s.tmp.%d", fn, rand64())
	fd, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	w := &DBWriter{
		fd:     fd,
		bld:    NewXor8BuilderWith(RandomHasher()),
		keymap: make(map[uint64]*value),
		salt:   randbytes(16),
		off:    64, // starting offset past the header
		fn:     fn,
		fntmp:  tmp,
	}

	// Leave some space for a header; we will fill this in when we
	// are done Freezing.
	var z [64]byte
	if _, err := writeAll(fd, z[:]); err != nil {
		w.Abort()
		return nil, err
	}

	return w, nil
}

// Len returns the total number of distinct keys in the DB
func (w *DBWriter) Len() int {
	return len(w.keymap)
}

// AddKeyVals adds a series of key-value matched pairs to the db. If
// they are of unequal length, only the smaller of the lengths are
// used. Records with duplicate keys are discarded.
// Returns number of records added.
func (w *DBWriter) AddKeyVals(keys [][]byte, vals [][]byte) (int, error) {
	if w.frozen {
		return 0, ErrFrozen
	}

	n := len(keys)
	if len(vals) < n {
		n = len(vals)
	}

	var z int
	for i := 0; i < n; i++ {
		switch err := w.addRecord(keys[i], vals[i]); err {
		case nil:
			z++
		case ErrExists:
		default:
			return z, err
		}
	}

	return z, nil
}

// Add adds a single key,value pair.
func (w *DBWriter) Add(key []byte, val []byte) error {
	if w.frozen {
		return ErrFrozen
	}

	return w.addRecord(key, val)
}

// Freeze builds the Xor8 filter over the accumulated key digests,
// writes the tables and closes the DB.
func (w *DBWriter) Freeze() (err error) {
	if w.frozen {
		return ErrFrozen
	}

	defer func() {
		// undo the tmpfile
		if err != nil {
			w.Abort()
		}
	}()

	digests := make([]uint64, 0, len(w.keymap))
	for d := range w.keymap {
		digests = append(digests, d)
	}

	filter, err := w.bld.BuildFromDigests(digests)
	if err != nil {
		return err
	}

	// The tables are mmap'd at read time; push them out to the next
	// page boundary. The gap is below the table offset and stays
	// outside the checksum.
	offtbl, err := w.padTo(w.fd, uint64(os.Getpagesize()))
	if err != nil {
		return err
	}

	ehdr := w.encodeHeader(offtbl)

	// the trailing checksum covers the header and everything from
	// the tables onward
	h := sha512.New512_256()
	h.Write(ehdr[:])
	tee := io.MultiWriter(w.fd, h)

	if err = w.marshalTables(tee); err != nil {
		return err
	}

	// the filter bytes start at the next 64-bit boundary
	if _, err = w.padTo(tee, 8); err != nil {
		return err
	}

	fbuf, err := filter.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err = writeAll(tee, fbuf); err != nil {
		return err
	}
	w.off += uint64(len(fbuf))

	if _, err = writeAll(w.fd, h.Sum(nil)); err != nil {
		return err
	}

	// the header goes in last, over the placeholder at the start
	if _, err = w.fd.WriteAt(ehdr[:], 0); err != nil {
		return err
	}

	w.frozen = true
	if err = w.fd.Sync(); err != nil {
		return err
	}
	if err = w.fd.Close(); err != nil {
		return err
	}
	return os.Rename(w.fntmp, w.fn)
}

// pad the output with zeroes until w.off is a multiple of 'align'
// (a power of 2); returns the aligned offset
func (w *DBWriter) padTo(out io.Writer, align uint64) (uint64, error) {
	want := (w.off + align - 1) &^ (align - 1)
	if want > w.off {
		if _, err := writeAll(out, make([]byte, want-w.off)); err != nil {
			return 0, err
		}
		w.off = want
	}
	return w.off, nil
}

// 64-byte big-endian file header
func (w *DBWriter) encodeHeader(offtbl uint64) [64]byte {
	var hdr [64]byte

	copy(hdr[0:], "XFDB")
	// 4 bytes of flags after the magic stay zero for now
	copy(hdr[8:], w.salt)
	binary.BigEndian.PutUint64(hdr[24:], uint64(len(w.keymap)))
	binary.BigEndian.PutUint64(hdr[32:], offtbl)
	return hdr
}

// Abort stops the construction of the DB
func (w *DBWriter) Abort() {
	w.fd.Close()
	os.Remove(w.fntmp)
}

// write the digest table and value-len table, sorted by digest
func (w *DBWriter) marshalTables(tee io.Writer) error {
	digests := make([]uint64, 0, len(w.keymap))
	for d := range w.keymap {
		digests = append(digests, d)
	}
	slices.Sort(digests)

	n := uint64(len(digests))
	offset := make([]uint64, 2*n)
	vlen := make([]uint32, n)

	for i, d := range digests {
		r := w.keymap[d]

		vlen[i] = toLittleEndianUint32(r.vlen)

		// each entry is 2 64-bit words
		j := i * 2
		offset[j] = toLittleEndianUint64(r.off)
		offset[j+1] = toLittleEndianUint64(d)
	}

	bs := u64sToByteSlice(offset)
	if _, err := writeAll(tee, bs); err != nil {
		return err
	}

	// Now write the value-length table
	bs = u32sToByteSlice(vlen)
	if _, err := writeAll(tee, bs); err != nil {
		return err
	}

	w.off += n * (8 + 8 + 4)
	return nil
}

// compute checksums and add a record to the file at the current offset.
func (w *DBWriter) addRecord(key []byte, val []byte) error {
	if uint64(len(val)) > uint64(1<<32)-1 {
		return ErrValueTooLarge
	}

	digest := w.bld.Hash(key)
	if _, ok := w.keymap[digest]; ok {
		return ErrExists
	}

	v := &value{
		off:  w.off,
		vlen: uint32(len(val)),
	}
	w.keymap[digest] = v

	// Don't write values if we don't need to
	if len(val) > 0 {
		if err := w.writeRecord(val, v.off); err != nil {
			return err
		}
	}

	return nil
}

// A record is its checksum followed by the value bytes.
func (w *DBWriter) writeRecord(val []byte, off uint64) error {
	rec := make([]byte, 8, 8+len(val))
	binary.BigEndian.PutUint64(rec, recordSum(w.salt, off, val))
	rec = append(rec, val...)

	if _, err := writeAll(w.fd, rec); err != nil {
		return err
	}

	w.off += uint64(len(rec))
	return nil
}

// recordSum is the keyed checksum guarding a stored value. It goes
// through the same salted sip hasher the filters use, and covers the
// record's file offset along with the value so a record that moves
// fails verification.
func recordSum(salt []byte, off uint64, val []byte) uint64 {
	var o [8]byte
	binary.BigEndian.PutUint64(o[:], off)

	h := (&sipHasher{key: salt}).New()
	h.Write(o[:])
	h.Write(val)
	return h.Sum64()
}

func writeAll(w io.Writer, b []byte) (int, error) {
	n, err := w.Write(b)
	if err == nil && n < len(b) {
		err = errShortWrite(len(b), n)
	}
	return n, err
}

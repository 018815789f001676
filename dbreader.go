// dbreader.go -- Constant membership DB built on top of an Xor8 filter
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
	"io"
	"os"
	"sort"
	"syscall"

	"crypto/sha512"
	"crypto/subtle"

	"github.com/opencoff/golang-lru"
)

// DBReader represents the query interface for a previously constructed
// constant database (built using NewDBWriter()). Lookups run the
// embedded Xor8 filter first; only keys the filter cannot rule out
// touch the mmap'd digest table and the record storage.
type DBReader struct {
	filter *Xor8

	cache *lru.ARCCache

	// memory mapped digest+offset table
	offset []uint64

	// memory mapped vlen table
	vlen []uint32

	nkeys uint64
	salt  []byte

	// original mmap slice
	mmap []byte
	fd   *os.File
	fn   string
}

// NewDBReader reads a previously constructed database in file 'fn'
// and prepares it for querying. Value records are opportunistically
// cached after reading from disk. We retain upto 'cache' number of
// records in memory (default 128).
func NewDBReader(fn string, cache int) (rd *DBReader, err error) {
	fd, err := os.Open(fn)
	if err != nil {
		return nil, err
	}

	// Number of records to cache
	if cache <= 0 {
		cache = 128
	}

	rd = &DBReader{
		salt: make([]byte, 16),
		fd:   fd,
		fn:   fn,
	}

	var st os.FileInfo

	st, err = fd.Stat()
	if err != nil {
		return nil, fmt.Errorf("%s: can't stat: %s", fn, err)
	}

	if st.Size() < (64 + 32) {
		return nil, fmt.Errorf("%s: file too small or corrupted", fn)
	}

	var hdrb [64]byte

	_, err = io.ReadFull(fd, hdrb[:])
	if err != nil {
		return nil, fmt.Errorf("%s: can't read header: %s", fn, err)
	}

	offtbl, err := rd.decodeHeader(hdrb[:], st.Size())
	if err != nil {
		return nil, err
	}

	err = rd.verifyChecksum(hdrb[:], offtbl, st.Size())
	if err != nil {
		return nil, err
	}

	// All metadata is now verified.
	// sanity check - even though we have verified the strong checksum
	// 8 + 8 + 4: offset, digest, vlen
	tblsz := rd.nkeys * (8 + 8 + 4)

	// 64 + 32: 64 bytes of header, 32 bytes of sha trailer
	if uint64(st.Size()) < (64 + 32 + tblsz) {
		return nil, fmt.Errorf("%s: corrupt header", fn)
	}

	rd.cache, err = lru.NewARC(cache)
	if err != nil {
		return nil, err
	}

	// Now, we are certain that the header, the tables and the filter
	// bits are all valid and uncorrupted.

	// mmap the tables and filter
	mmapsz := st.Size() - int64(offtbl) - 32
	bs, err := syscall.Mmap(int(fd.Fd()), int64(offtbl), int(mmapsz), syscall.PROT_READ, syscall.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%s: can't mmap %d bytes at off %d: %s",
			fn, mmapsz, offtbl, err)
	}

	offsz := rd.nkeys * (8 + 8)
	vlensz := rd.nkeys * 4

	// the vlen table is padded to the next 64-bit boundary before
	// the filter bytes
	fstart := (offsz + vlensz + 7) &^ uint64(7)
	if uint64(len(bs)) < fstart {
		syscall.Munmap(bs)
		return nil, fmt.Errorf("%s: corrupt header", fn)
	}

	rd.mmap = bs
	rd.offset = bsToUint64Slice(bs[:offsz])
	rd.vlen = bsToUint32Slice(bs[offsz : offsz+vlensz])

	// The filter starts here
	rd.filter, err = UnmarshalXor8(bs[fstart:])
	if err != nil {
		syscall.Munmap(bs)
		return nil, fmt.Errorf("%s: can't unmarshal filter: %w", fn, err)
	}

	return rd, nil
}

// Len returns the total number of distinct keys in the DB
func (rd *DBReader) Len() int {
	return int(rd.nkeys)
}

// Close closes the db
func (rd *DBReader) Close() {
	syscall.Munmap(rd.mmap)
	rd.fd.Close()
	rd.cache.Purge()
	rd.filter = nil
	rd.fd = nil
	rd.salt = nil
	rd.fn = ""
}

// Contains tells whether 'key' is possibly in the DB; it consults
// only the embedded filter and never touches the disk. A false answer
// is definitive.
func (rd *DBReader) Contains(key []byte) bool {
	return rd.filter.Contains(key)
}

// Lookup looks up 'key' in the table and returns the corresponding
// value. If the key is not found, value is nil and returns false.
func (rd *DBReader) Lookup(key []byte) ([]byte, bool) {
	v, err := rd.Find(key)
	if err != nil {
		return nil, false
	}

	return v, true
}

// Find looks up 'key' in the table and returns the corresponding
// value. It returns an error if the key is not found or the disk i/o
// failed or the record checksum failed.
func (rd *DBReader) Find(key []byte) ([]byte, error) {
	digest := rd.filter.Hash(key)
	if !rd.filter.ContainsDigest(digest) {
		return nil, ErrNoKey
	}

	if v, ok := rd.cache.Get(digest); ok {
		return v.([]byte), nil
	}

	// The filter can't rule the key out; confirm against the sorted
	// digest table.
	n := int(rd.nkeys)
	i := sort.Search(n, func(i int) bool {
		return toLittleEndianUint64(rd.offset[2*i+1]) >= digest
	})
	if i >= n || toLittleEndianUint64(rd.offset[2*i+1]) != digest {
		// filter false positive
		return nil, ErrNoKey
	}

	vlen := toLittleEndianUint32(rd.vlen[i])
	if vlen == 0 {
		return []byte{}, nil
	}
	off := toLittleEndianUint64(rd.offset[2*i])

	val, err := rd.readRecord(off, vlen)
	if err != nil {
		return nil, err
	}

	rd.cache.Add(digest, val)
	return val, nil
}

// fetch the record at offset 'off' and hand back the value bytes
// once their checksum holds up
func (rd *DBReader) readRecord(off uint64, vlen uint32) ([]byte, error) {
	rec := make([]byte, 8+vlen)
	if _, err := rd.fd.ReadAt(rec, int64(off)); err != nil {
		return nil, err
	}

	val := rec[8:]
	stored := binary.BigEndian.Uint64(rec[:8])
	if sum := recordSum(rd.salt, off, val); sum != stored {
		return nil, fmt.Errorf("%s: corrupt record at off %d (exp %#x, saw %#x)",
			rd.fn, off, sum, stored)
	}
	return val, nil
}

// Verify the SHA512-256 trailer. It covers the 64-byte header plus
// everything between 'offtbl' and the trailer itself: the tables and
// the filter bits. The record region is deliberately excluded; records
// carry their own checksums and are verified as they are read.
func (rd *DBReader) verifyChecksum(hdrb []byte, offtbl uint64, sz int64) error {
	h := sha512.New512_256()
	h.Write(hdrb)

	if _, err := rd.fd.Seek(int64(offtbl), io.SeekStart); err != nil {
		return err
	}

	// CopyN reports an error on a short read, so one check suffices
	remsz := sz - int64(offtbl) - 32
	if n, err := io.CopyN(h, rd.fd, remsz); err != nil {
		return fmt.Errorf("%s: metadata read failed at %d of %d bytes: %w",
			rd.fn, n, remsz, err)
	}

	var want [32]byte
	if _, err := rd.fd.ReadAt(want[:], sz-32); err != nil {
		return fmt.Errorf("%s: can't read checksum trailer: %w", rd.fn, err)
	}

	if sum := h.Sum(nil); subtle.ConstantTimeCompare(sum, want[:]) != 1 {
		return fmt.Errorf("%s: checksum failure; exp %#x, saw %#x", rd.fn, sum, want)
	}
	return nil
}

// entry condition: b is 64 bytes long.
func (rd *DBReader) decodeHeader(b []byte, sz int64) (uint64, error) {
	if string(b[:4]) != "XFDB" {
		return 0, fmt.Errorf("%s: bad file magic", rd.fn)
	}

	be := binary.BigEndian
	i := 8 // skip the magic and flags

	copy(rd.salt, b[i:i+16])
	i += 16
	rd.nkeys = be.Uint64(b[i : i+8])
	i += 8
	offtbl := be.Uint64(b[i : i+8])

	if offtbl < 64 || offtbl >= uint64(sz-32) {
		return 0, fmt.Errorf("%s: corrupt header", rd.fn)
	}

	return offtbl, nil
}

// marshal.go - versioned byte format for persisted Xor8 filters
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
	"encoding/binary"
	"os"
)

// File signature on the first 4 bytes.
// ^ stands for xor, TL for filter; the last byte is the version.
// Version 2 appends the opaque hasher state to the fingerprints;
// version 1 predates it and is read-only.
var (
	signatureV1 = []byte{'^', 'T', 'L', 1}
	signatureV2 = []byte{'^', 'T', 'L', 2}
)

// v2 header: signature + seed + block-length + fingerprint-length +
// hasher-state length. v1 ends after fingerprint-length.
const (
	_MetadataLengthV1 = 4 + 8 + 4 + 4
	_MetadataLengthV2 = 4 + 8 + 4 + 4 + 4
)

// MarshalBinary encodes the filter in the version 2 format: a
// big-endian header followed by the fingerprint array and the
// hasher's opaque state.
func (f *Xor8) MarshalBinary() ([]byte, error) {
	state := f.hasher.State()

	buf := make([]byte, 0, _MetadataLengthV2+len(f.Fingerprints)+len(state))
	buf = append(buf, signatureV2...)
	buf = binary.BigEndian.AppendUint64(buf, f.Seed)
	buf = binary.BigEndian.AppendUint32(buf, f.BlockLength)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Fingerprints)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(state)))
	buf = append(buf, f.Fingerprints...)
	buf = append(buf, state...)
	return buf, nil
}

// UnmarshalXor8 decodes a filter previously encoded with
// MarshalBinary. Version 1 buffers carry no hasher state; they load
// with the default deterministic hasher installed, so a v1 filter
// built with any other hasher must be re-serialized as v2 before its
// typed-key queries can work.
func UnmarshalXor8(buf []byte) (*Xor8, error) {
	if len(buf) < _MetadataLengthV1 {
		return nil, ErrInvalidByteSlice
	}
	if bytes.Equal(buf[:4], signatureV1) {
		return unmarshalXor8v1(buf)
	}
	if !bytes.Equal(buf[:4], signatureV2) {
		return nil, ErrInvalidSignature
	}
	if len(buf) < _MetadataLengthV2 {
		return nil, ErrInvalidByteSlice
	}

	be := binary.BigEndian
	seed := be.Uint64(buf[4:12])
	blockLength := be.Uint32(buf[12:16])
	fpLen := int(be.Uint32(buf[16:20]))
	hbLen := int(be.Uint32(buf[20:24]))

	rest := buf[_MetadataLengthV2:]
	if len(rest) < fpLen+hbLen {
		return nil, ErrInvalidByteSlice
	}

	fp := make([]uint8, fpLen)
	copy(fp, rest[:fpLen])

	hasher, err := hasherFromState(rest[fpLen : fpLen+hbLen])
	if err != nil {
		return nil, err
	}

	return &Xor8{
		hasher:       hasher,
		Seed:         seed,
		BlockLength:  blockLength,
		Fingerprints: fp,
	}, nil
}

func unmarshalXor8v1(buf []byte) (*Xor8, error) {
	be := binary.BigEndian
	fpLen := int(be.Uint32(buf[16:20]))

	rest := buf[_MetadataLengthV1:]
	if len(rest) < fpLen {
		return nil, ErrInvalidByteSlice
	}

	fp := make([]uint8, fpLen)
	copy(fp, rest[:fpLen])

	return &Xor8{
		hasher:       DefaultHasher(),
		Seed:         be.Uint64(buf[4:12]),
		BlockLength:  be.Uint32(buf[12:16]),
		Fingerprints: fp,
	}, nil
}

// WriteFile writes the filter to 'fn' in binary format.
func (f *Xor8) WriteFile(fn string) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(fn, buf, 0600)
}

// ReadFileXor8 reads a filter previously written with WriteFile.
func ReadFileXor8(fn string) (*Xor8, error) {
	buf, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	return UnmarshalXor8(buf)
}

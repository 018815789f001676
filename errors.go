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
	"errors"
	"fmt"
)

func errShortWrite(exp, n int) error {
	return fmt.Errorf("xorfilter: incomplete write; exp %d, saw %d", exp, n)
}

var (
	// ErrTooManyIterations is returned when the peel cannot find a
	// conflict-free slot assignment within the retry cap. It almost
	// always indicates duplicate digests in the input.
	ErrTooManyIterations = errors.New("too many iterations, you probably have duplicate keys")

	// ErrFrozen is returned when adding keys to (or re-building) a
	// builder or DB whose build has already run.
	ErrFrozen = errors.New("builder already frozen")

	// ErrInvalidSignature is returned when de-serializing a buffer
	// that does not start with a recognized filter signature.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidByteSlice is returned when a serialized filter is
	// truncated or its declared lengths exceed the buffer.
	ErrInvalidByteSlice = errors.New("invalid byte slice")

	// ErrValueTooLarge is returned if a value is larger than 2^32-1 bytes
	ErrValueTooLarge = errors.New("value is larger than 2^32-1 bytes")

	// ErrExists is returned if a duplicate key is added to the DB
	ErrExists = errors.New("key exists in DB")

	// ErrNoKey is returned when a key cannot be found in the DB
	ErrNoKey = errors.New("no such key")
)

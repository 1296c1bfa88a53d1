// Package varint implements the protocol-buffer-style integer encoding used
// throughout vaultkv's on-disk record format: 7 data bits per byte with the
// continuation bit in the MSB, little-endian group order, plus the
// little-endian fixed32/fixed64 forms.
package varint

import (
	"encoding/binary"
	"errors"
)

// ErrorKind distinguishes why a decode failed.
type ErrorKind int

const (
	// Truncated means the input ended before a complete value could be read.
	Truncated ErrorKind = iota
	// Malformed means the input is self-inconsistent: a varint longer than
	// its maximum width, or a length prefix bigger than the remaining buffer.
	Malformed
)

// DecodeError reports a codec failure with enough context to distinguish a
// merely-incomplete buffer (caller should read more) from bad data.
type DecodeError struct {
	Kind ErrorKind
	Msg  string
}

func (e *DecodeError) Error() string { return e.Msg }

func truncated(msg string) error { return &DecodeError{Kind: Truncated, Msg: msg} }
func malformed(msg string) error { return &DecodeError{Kind: Malformed, Msg: msg} }

// ErrOutOfSpace is returned by the Put* functions when dst is too small to
// hold the encoded value.
var ErrOutOfSpace = errors.New("varint: out of space")

// MaxVarint32Len and MaxVarint64Len bound the encoded width of the 32-bit and
// 64-bit varint forms. A negative int32 is sign-extended to 64 bits before
// encoding, so it always occupies the full 10-byte form.
const (
	MaxVarint32Len = 5
	MaxVarint64Len = 10
)

// SizeUvarint32 returns the exact number of bytes PutUvarint32 would write.
func SizeUvarint32(v uint32) int {
	return SizeUvarint64(uint64(v))
}

// SizeUvarint64 returns the exact number of bytes PutUvarint64 would write.
func SizeUvarint64(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// SizeVarint32 returns the encoded size of a signed 32-bit value. Negative
// values are sign-extended to 64 bits per the protobuf convention, so they
// always take the full 10-byte form.
func SizeVarint32(v int32) int {
	if v < 0 {
		return MaxVarint64Len
	}
	return SizeUvarint32(uint32(v))
}

// PutUvarint32 encodes v into dst and returns the number of bytes written.
func PutUvarint32(dst []byte, v uint32) (int, error) {
	return PutUvarint64(dst, uint64(v))
}

// PutUvarint64 encodes v into dst and returns the number of bytes written.
func PutUvarint64(dst []byte, v uint64) (int, error) {
	need := SizeUvarint64(v)
	if len(dst) < need {
		return 0, ErrOutOfSpace
	}
	n := binary.PutUvarint(dst, v)
	return n, nil
}

// PutVarint32 encodes a signed 32-bit value using the sign-extended 10-byte
// form when negative, matching the on-disk record codec's convention.
func PutVarint32(dst []byte, v int32) (int, error) {
	if v >= 0 {
		return PutUvarint32(dst, uint32(v))
	}
	return PutUvarint64(dst, uint64(int64(v)))
}

// Uvarint32 decodes an unsigned 32-bit varint from src, returning the value,
// the number of bytes consumed, and an error if src was truncated or
// malformed. The wire form for a 32-bit field may spill into the 10-byte
// form (e.g. a sign-extended negative value), so decoding always uses the
// 64-bit reader and truncates the result to uint32 without error.
func Uvarint32(src []byte) (uint32, int, error) {
	v, n, err := Uvarint64(src)
	if err != nil {
		return 0, n, err
	}
	return uint32(v), n, nil
}

// Uvarint64 decodes an unsigned 64-bit varint from src.
func Uvarint64(src []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(src); i++ {
		if i == MaxVarint64Len {
			return 0, 0, malformed("varint longer than 10 bytes")
		}
		b := src[i]
		if b < 0x80 {
			v |= uint64(b) << shift
			return v, i + 1, nil
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, 0, truncated("varint ran past end of buffer")
}

// LengthPrefixed reads a <varint length><bytes> field from src and returns
// the payload slice (aliasing src) plus the total bytes consumed.
func LengthPrefixed(src []byte) (payload []byte, consumed int, err error) {
	length, n, err := Uvarint64(src)
	if err != nil {
		return nil, 0, err
	}
	rest := src[n:]
	if length > uint64(len(rest)) {
		return nil, 0, malformed("length prefix exceeds remaining buffer")
	}
	return rest[:length], n + int(length), nil
}

// PutLengthPrefixed encodes a <varint length><bytes> field into dst.
func PutLengthPrefixed(dst []byte, payload []byte) (int, error) {
	need := SizeUvarint64(uint64(len(payload))) + len(payload)
	if len(dst) < need {
		return 0, ErrOutOfSpace
	}
	n, err := PutUvarint64(dst, uint64(len(payload)))
	if err != nil {
		return 0, err
	}
	copy(dst[n:], payload)
	return n + len(payload), nil
}

// SizeLengthPrefixed returns the exact encoded size of a length-prefixed
// field without encoding it.
func SizeLengthPrefixed(payload []byte) int {
	return SizeUvarint64(uint64(len(payload))) + len(payload)
}

// PutFixed32 writes v to dst in little-endian form. dst must be at least 4
// bytes.
func PutFixed32(dst []byte, v uint32) error {
	if len(dst) < 4 {
		return ErrOutOfSpace
	}
	binary.LittleEndian.PutUint32(dst, v)
	return nil
}

// Fixed32 reads a little-endian uint32 from src.
func Fixed32(src []byte) (uint32, error) {
	if len(src) < 4 {
		return 0, truncated("fixed32 needs 4 bytes")
	}
	return binary.LittleEndian.Uint32(src), nil
}

// PutFixed64 writes v to dst in little-endian form. dst must be at least 8
// bytes.
func PutFixed64(dst []byte, v uint64) error {
	if len(dst) < 8 {
		return ErrOutOfSpace
	}
	binary.LittleEndian.PutUint64(dst, v)
	return nil
}

// Fixed64 reads a little-endian uint64 from src.
func Fixed64(src []byte) (uint64, error) {
	if len(src) < 8 {
		return 0, truncated("fixed64 needs 8 bytes")
	}
	return binary.LittleEndian.Uint64(src), nil
}

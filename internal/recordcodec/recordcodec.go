// Package recordcodec implements vaultkv's mini protocol-buffer-style wire
// format: a map is a sequence of <varint key_len><key_bytes><varint
// val_len><val_bytes> records, and individual scalar values are encoded in
// their varint/little-endian-fixed forms. This mirrors the manual
// length-prefixed field packing internal/wal/wal.go uses for its header and
// the string-field packing calvinalkan-agent-task/cache_binary.go uses for
// its data section, generalized into a reusable record stream.
package recordcodec

import (
	"fmt"
	"math"

	"github.com/vaultkv/vaultkv/internal/buffer"
	"github.com/vaultkv/vaultkv/internal/varint"
)

// Record is a single decoded key/value pair as it appears in the on-disk
// stream. A Record with an empty Value represents a removal (spec.md §3,
// "Record").
type Record struct {
	Key   string
	Value []byte
}

// EncodedSize returns the exact number of bytes EncodeMap would produce for
// m, without encoding it. Keys equal to "" are skipped, matching EncodeMap.
func EncodedSize(m map[string][]byte) int {
	n := 0
	for k, v := range m {
		if k == "" {
			continue
		}
		n += varint.SizeLengthPrefixed([]byte(k)) + varint.SizeLengthPrefixed(v)
	}
	return n
}

// EncodeMap serializes m as a flat sequence of records. Entries with an
// empty key are skipped. Iteration order follows Go's map order and is not
// stable across calls; decoders must tolerate any order. The whole map is
// encoded into one scratch buffer.Buffer (spec.md §4.8.3 step 1), pre-grown
// to EncodedSize(m) so appending each record never reallocates.
func EncodeMap(m map[string][]byte) []byte {
	b := buffer.New()
	if n := EncodedSize(m); n > 0 {
		b.Grow(n)
		b.Reset()
	}
	for k, v := range m {
		if k == "" {
			continue
		}
		appendRecord(b, k, v)
	}
	return b.Bytes()
}

// AppendRecord appends the encoded form of a single key/value record to dst
// and returns the extended slice. dst's backing array is reused via a
// buffer.Buffer when it has room; otherwise the buffer grows it.
func AppendRecord(dst []byte, key string, value []byte) []byte {
	if key == "" {
		return dst
	}
	b := buffer.New()
	if len(dst) > 0 {
		b.Own(dst)
	}
	appendRecord(b, key, value)
	return b.Bytes()
}

// appendRecord writes a single <varint len><key><varint len><value> record
// onto the tail of b, growing it as needed.
func appendRecord(b *buffer.Buffer, key string, value []byte) {
	klen := varint.SizeLengthPrefixed([]byte(key))
	vlen := varint.SizeLengthPrefixed(value)
	off := b.Grow(klen + vlen)
	buf := b.Bytes()
	n, _ := varint.PutLengthPrefixed(buf[off:], []byte(key))
	_, _ = varint.PutLengthPrefixed(buf[off+n:], value)
}

// DecodeMapGreedy decodes as many records as possible from buf and returns
// the partial map built so far when it hits a decode error, along with that
// error. A nil error means the entire buffer decoded cleanly. Later
// duplicate keys overwrite earlier ones, so this is safe to use during crash
// recovery over a possibly-truncated tail.
func DecodeMapGreedy(buf []byte) (map[string][]byte, error) {
	m := make(map[string][]byte)
	off := 0
	for off < len(buf) {
		rec, n, err := decodeOne(buf[off:])
		if err != nil {
			return m, fmt.Errorf("recordcodec: greedy decode stopped at offset %d: %w", off, err)
		}
		if rec.Key != "" {
			if len(rec.Value) == 0 {
				delete(m, rec.Key)
			} else {
				m[rec.Key] = rec.Value
			}
		}
		off += n
	}
	return m, nil
}

// DecodeMapStrict decodes buf in full. On any decode error it returns an
// empty map and the error — callers use this during normal load, where a
// single bad record means the whole stream is suspect and should fall back
// to the recovery path instead of trusting a partial result.
func DecodeMapStrict(buf []byte) (map[string][]byte, error) {
	m, err := DecodeMapGreedy(buf)
	if err != nil {
		return map[string][]byte{}, err
	}
	return m, nil
}

// ForEachRecord decodes buf greedily, invoking fn for each record in stream
// order, stopping (and returning an error) at the first decode failure. This
// is used for the incremental tail-merge path (spec.md §4.8.5), which needs
// to apply records in order rather than build an intermediate map.
func ForEachRecord(buf []byte, fn func(key string, value []byte)) error {
	off := 0
	for off < len(buf) {
		rec, n, err := decodeOne(buf[off:])
		if err != nil {
			return fmt.Errorf("recordcodec: decode stopped at offset %d: %w", off, err)
		}
		if rec.Key != "" {
			fn(rec.Key, rec.Value)
		}
		off += n
	}
	return nil
}

func decodeOne(buf []byte) (Record, int, error) {
	key, n1, err := varint.LengthPrefixed(buf)
	if err != nil {
		return Record{}, 0, fmt.Errorf("key: %w", err)
	}
	val, n2, err := varint.LengthPrefixed(buf[n1:])
	if err != nil {
		return Record{}, 0, fmt.Errorf("value: %w", err)
	}
	return Record{Key: string(key), Value: val}, n1 + n2, nil
}

// --- Scalar value encodings (spec.md §4.3, §6) ---
//
// Scalars encode directly to their varint/fixed form with no extra framing.
// Strings and byte slices additionally wrap themselves in the two-field
// <varint len><bytes> form, because as a *value* they must be
// self-delimiting when later re-read out of a record whose own length was
// already consumed by the outer record framing.

// EncodeBool encodes a bool as a single byte.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool decodes a bool from its single-byte encoding.
func DecodeBool(b []byte) (bool, error) {
	if len(b) == 0 {
		return false, fmt.Errorf("recordcodec: empty bool value")
	}
	return b[0] != 0, nil
}

// EncodeInt32 encodes a signed 32-bit integer using the sign-extended
// varint form for negative values.
func EncodeInt32(v int32) []byte {
	buf := make([]byte, varint.MaxVarint64Len)
	n, _ := varint.PutVarint32(buf, v)
	return buf[:n]
}

// DecodeInt32 decodes a signed 32-bit integer. b must hold exactly one
// varint; trailing bytes make the value malformed.
func DecodeInt32(b []byte) (int32, error) {
	v, n, err := varint.Uvarint64(b)
	if err != nil {
		return 0, err
	}
	if n != len(b) {
		return 0, fmt.Errorf("recordcodec: int32 value has %d trailing bytes", len(b)-n)
	}
	return int32(int64(v)), nil
}

// EncodeUint32 encodes an unsigned 32-bit integer as a varint.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, varint.MaxVarint32Len)
	n, _ := varint.PutUvarint32(buf, v)
	return buf[:n]
}

// DecodeUint32 decodes an unsigned 32-bit integer.
func DecodeUint32(b []byte) (uint32, error) {
	v, _, err := varint.Uvarint32(b)
	return v, err
}

// EncodeInt64 encodes a signed 64-bit integer as a varint.
func EncodeInt64(v int64) []byte {
	buf := make([]byte, varint.MaxVarint64Len)
	n, _ := varint.PutUvarint64(buf, uint64(v))
	return buf[:n]
}

// DecodeInt64 decodes a signed 64-bit integer.
func DecodeInt64(b []byte) (int64, error) {
	v, _, err := varint.Uvarint64(b)
	return int64(v), err
}

// EncodeUint64 encodes an unsigned 64-bit integer as a varint.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, varint.MaxVarint64Len)
	n, _ := varint.PutUvarint64(buf, v)
	return buf[:n]
}

// DecodeUint64 decodes an unsigned 64-bit integer.
func DecodeUint64(b []byte) (uint64, error) {
	v, _, err := varint.Uvarint64(b)
	return v, err
}

// EncodeFloat32 encodes a float32 as fixed32 little-endian bits.
func EncodeFloat32(v float32) []byte {
	buf := make([]byte, 4)
	_ = varint.PutFixed32(buf, math.Float32bits(v))
	return buf
}

// DecodeFloat32 decodes a fixed32-encoded float32.
func DecodeFloat32(b []byte) (float32, error) {
	bits, err := varint.Fixed32(b)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// EncodeFloat64 encodes a float64 as fixed64 little-endian bits.
func EncodeFloat64(v float64) []byte {
	buf := make([]byte, 8)
	_ = varint.PutFixed64(buf, math.Float64bits(v))
	return buf
}

// DecodeFloat64 decodes a fixed64-encoded float64.
func DecodeFloat64(b []byte) (float64, error) {
	bits, err := varint.Fixed64(b)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// EncodeString wraps s in the nested <varint len><bytes> form.
func EncodeString(s string) []byte {
	buf := make([]byte, varint.SizeLengthPrefixed([]byte(s)))
	_, _ = varint.PutLengthPrefixed(buf, []byte(s))
	return buf
}

// DecodeString unwraps a nested <varint len><bytes> string value.
func DecodeString(b []byte) (string, error) {
	payload, _, err := varint.LengthPrefixed(b)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// EncodeBytes wraps p in the nested <varint len><bytes> form.
func EncodeBytes(p []byte) []byte {
	buf := make([]byte, varint.SizeLengthPrefixed(p))
	_, _ = varint.PutLengthPrefixed(buf, p)
	return buf
}

// DecodeBytes unwraps a nested <varint len><bytes> byte-slice value. The
// returned slice aliases b.
func DecodeBytes(b []byte) ([]byte, error) {
	payload, _, err := varint.LengthPrefixed(b)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

package recordcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMapRoundTrip(t *testing.T) {
	in := map[string][]byte{
		"alpha": []byte("1"),
		"beta":  []byte("22"),
		"gamma": {},
	}
	buf := EncodeMap(in)
	out, err := DecodeMapStrict(buf)
	require.NoError(t, err)
	// An empty value is a removal record, so "gamma" does not come back.
	assert.Equal(t, map[string][]byte{
		"alpha": []byte("1"),
		"beta":  []byte("22"),
	}, out)
}

func TestEncodeMapSkipsEmptyKeys(t *testing.T) {
	in := map[string][]byte{"": []byte("dropped"), "kept": []byte("v")}
	buf := EncodeMap(in)
	out, err := DecodeMapStrict(buf)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"kept": []byte("v")}, out)
}

func TestAppendRecordLaterDuplicateWins(t *testing.T) {
	var buf []byte
	buf = AppendRecord(buf, "k", []byte("first"))
	buf = AppendRecord(buf, "k", []byte("second"))
	out, err := DecodeMapStrict(buf)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k": []byte("second")}, out)
}

func TestDecodeMapGreedyReturnsPartialOnTruncation(t *testing.T) {
	var buf []byte
	buf = AppendRecord(buf, "a", []byte("1"))
	buf = AppendRecord(buf, "b", []byte("2"))
	truncated := buf[:len(buf)-1]

	out, err := DecodeMapGreedy(truncated)
	require.Error(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1")}, out)
}

func TestDecodeMapStrictReturnsEmptyOnAnyError(t *testing.T) {
	var buf []byte
	buf = AppendRecord(buf, "a", []byte("1"))
	buf = AppendRecord(buf, "b", []byte("2"))
	truncated := buf[:len(buf)-1]

	out, err := DecodeMapStrict(truncated)
	require.Error(t, err)
	assert.Equal(t, map[string][]byte{}, out)
}

func TestForEachRecordAppliesInOrder(t *testing.T) {
	var buf []byte
	buf = AppendRecord(buf, "a", []byte("1"))
	buf = AppendRecord(buf, "a", []byte("2"))

	var seen []string
	err := ForEachRecord(buf, func(key string, value []byte) {
		seen = append(seen, key+"="+string(value))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "a=2"}, seen)
}

func TestScalarRoundTrips(t *testing.T) {
	b, err := DecodeBool(EncodeBool(true))
	require.NoError(t, err)
	assert.True(t, b)

	i32, err := DecodeInt32(EncodeInt32(-42))
	require.NoError(t, err)
	assert.Equal(t, int32(-42), i32)

	u32, err := DecodeUint32(EncodeUint32(4200000000))
	require.NoError(t, err)
	assert.Equal(t, uint32(4200000000), u32)

	i64, err := DecodeInt64(EncodeInt64(-9000000000))
	require.NoError(t, err)
	assert.Equal(t, int64(-9000000000), i64)

	u64, err := DecodeUint64(EncodeUint64(18000000000000000000))
	require.NoError(t, err)
	assert.Equal(t, uint64(18000000000000000000), u64)

	f32, err := DecodeFloat32(EncodeFloat32(3.25))
	require.NoError(t, err)
	assert.Equal(t, float32(3.25), f32)

	f64, err := DecodeFloat64(EncodeFloat64(2.5))
	require.NoError(t, err)
	assert.Equal(t, 2.5, f64)

	s, err := DecodeString(EncodeString("vaultkv"))
	require.NoError(t, err)
	assert.Equal(t, "vaultkv", s)

	by, err := DecodeBytes(EncodeBytes([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, by)
}

func TestDecodeBoolEmptyIsError(t *testing.T) {
	_, err := DecodeBool(nil)
	require.Error(t, err)
}

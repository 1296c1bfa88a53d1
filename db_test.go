package vaultkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_ReusesSameHandleForSameIDAndRoot(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open("prefs", WithRootDir(dir))
	require.NoError(t, err)
	defer db1.Close()

	db2, err := Open("prefs", WithRootDir(dir))
	require.NoError(t, err)

	assert.Same(t, db1, db2)
}

func TestOpen_DistinctRootsGetDistinctHandles(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()

	dbA, err := Open("prefs", WithRootDir(dirA))
	require.NoError(t, err)
	defer dbA.Close()

	dbB, err := Open("prefs", WithRootDir(dirB))
	require.NoError(t, err)
	defer dbB.Close()

	assert.NotSame(t, dbA, dbB)
}

func TestOpen_CloseAllowsFreshInstance(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open("prefs", WithRootDir(dir))
	require.NoError(t, err)
	require.True(t, db1.SetString("k", "v"))
	require.NoError(t, db1.Close())

	db2, err := Open("prefs", WithRootDir(dir))
	require.NoError(t, err)
	defer db2.Close()

	assert.NotSame(t, db1, db2)
	assert.Equal(t, "v", db2.GetString("k", ""))
}

func TestDB_TypedAccessors(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("typed", WithRootDir(dir))
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.SetBool("b", true))
	assert.True(t, db.GetBool("b", false))

	assert.True(t, db.SetInt32("i32", -7))
	assert.EqualValues(t, -7, db.GetInt32("i32", 0))

	assert.True(t, db.SetUint32("u32", 7))
	assert.EqualValues(t, 7, db.GetUint32("u32", 0))

	assert.True(t, db.SetInt64("i64", -9000000000))
	assert.EqualValues(t, -9000000000, db.GetInt64("i64", 0))

	assert.True(t, db.SetUint64("u64", 9000000000))
	assert.EqualValues(t, 9000000000, db.GetUint64("u64", 0))

	assert.True(t, db.SetFloat32("f32", 3.5))
	assert.InDelta(t, 3.5, db.GetFloat32("f32", 0), 0.0001)

	assert.True(t, db.SetFloat64("f64", 3.14159))
	assert.InDelta(t, 3.14159, db.GetFloat64("f64", 0), 0.00001)

	assert.True(t, db.SetBytes("raw", []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, db.GetBytes("raw", nil))
	assert.Equal(t, []byte{1, 2, 3}, db.GetVec("raw", nil))
}

func TestDB_GetMissingReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("missing", WithRootDir(dir))
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "fallback", db.GetString("nope", "fallback"))
	assert.Equal(t, int32(42), db.GetInt32("nope", 42))
	assert.False(t, db.ContainsKey("nope"))
}

func TestDB_GetMalformedValueReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("mismatch", WithRootDir(dir))
	require.NoError(t, err)
	defer db.Close()

	require.True(t, db.SetString("k", "not a number"))
	assert.Equal(t, int32(-1), db.GetInt32("k", -1))
}

func TestDB_SetManyAndRemoveMany(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("batch", WithRootDir(dir))
	require.NoError(t, err)
	defer db.Close()

	require.True(t, db.SetMany(map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}))
	assert.Equal(t, 3, db.Count())

	require.True(t, db.RemoveMany([]string{"a", "b"}))
	assert.Equal(t, 1, db.Count())
	assert.False(t, db.ContainsKey("a"))
	assert.True(t, db.ContainsKey("c"))
}

func TestDB_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := []byte("a-16-byte-key!!!")

	db1, err := Open("secure", WithRootDir(dir), WithEncryptionKey(key))
	require.NoError(t, err)
	require.True(t, db1.SetString("greeting", "hello"))
	require.NoError(t, db1.Close())

	db2, err := Open("secure", WithRootDir(dir), WithEncryptionKey(key))
	require.NoError(t, err)
	defer db2.Close()

	assert.Equal(t, "hello", db2.GetString("greeting", ""))
}

func TestDB_ReadOnlyRejectsMutation(t *testing.T) {
	dir := t.TempDir()

	seed, err := Open("ro", WithRootDir(dir))
	require.NoError(t, err)
	require.True(t, seed.SetString("k", "v"))
	require.NoError(t, seed.Close())

	db, err := Open("ro", WithRootDir(dir), WithReadOnly())
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "v", db.GetString("k", ""))
	assert.False(t, db.SetString("k", "changed"))
	assert.False(t, db.Remove("k"))
}

func TestDB_ErrorHandlerReceivesDiscardAction(t *testing.T) {
	dir := t.TempDir()

	seed, err := Open("discard", WithRootDir(dir), WithEncryptionKey([]byte("key1234567890123")))
	require.NoError(t, err)
	require.True(t, seed.SetString("k", "v"))
	require.NoError(t, seed.Close())

	var sawKind ErrorKind
	db, err := Open("discard", WithRootDir(dir), WithErrorHandler(func(id string, kind ErrorKind) ErrorAction {
		sawKind = kind
		return ActionDiscard
	}))
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, ErrCRCMismatch, sawKind)
	assert.Equal(t, 0, db.Count())
}

func TestDB_SubscribeReceivesAppendEvent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("feed", WithRootDir(dir))
	require.NoError(t, err)
	defer db.Close()

	id, events := db.Subscribe(4)
	defer db.Unsubscribe(id)

	require.True(t, db.SetString("k", "v"))

	select {
	case ev := <-events:
		assert.Equal(t, "append", ev.Kind.String())
	default:
		t.Fatalf("expected at least one changefeed event after Set")
	}
}

func TestDB_ClearAllAndTrim(t *testing.T) {
	dir := t.TempDir()
	db, err := Open("housekeeping", WithRootDir(dir))
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 500; i++ {
		require.True(t, db.SetString(keyAt(i), "v"))
	}
	grown := db.TotalSize()

	keys := db.AllKeys()
	toRemove := keys[5:]
	require.True(t, db.RemoveMany(toRemove))
	require.True(t, db.Trim())
	assert.LessOrEqual(t, db.TotalSize(), grown)

	require.True(t, db.ClearAll())
	assert.Equal(t, 0, db.Count())
}

func keyAt(i int) string {
	return "key-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
}

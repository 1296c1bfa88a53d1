package kvengine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkv/vaultkv/internal/mmapfile"
)

func TestEngine_OpenAndClose(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	require.NotNil(t, e)
	require.NoError(t, e.Close())
}

func TestEngine_SetAndGet(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	defer e.Close()

	assert.True(t, e.Set("k1", []byte("v1")))
	assert.True(t, e.Set("k2", []byte("v2")))

	v, ok := e.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	v, ok = e.Get("k2")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)

	assert.ElementsMatch(t, []string{"k1", "k2"}, e.AllKeys())
	// S1: no compaction happened for two small sets into a fresh file; the
	// 12 record bytes plus the 4-byte first-record placeholder make 16.
	assert.EqualValues(t, 0, e.meta.Sequence)
	assert.Equal(t, 16, e.ActualSize())
}

func TestEngine_EmptyKeyRejected(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	defer e.Close()

	assert.False(t, e.Set("", []byte("v")))
	assert.False(t, e.ContainsKey(""))
}

func TestEngine_Remove(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	defer e.Close()

	require.True(t, e.Set("k1", []byte("v1")))
	require.True(t, e.Remove("k1"))
	assert.False(t, e.ContainsKey("k1"))
	// Removing an absent key is a no-op, not an error.
	assert.False(t, e.Remove("k1"))
}

func TestEngine_RemoveMany(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 10; i++ {
		require.True(t, e.Set(string(rune('a'+i)), []byte{byte(i)}))
	}
	require.True(t, e.RemoveMany([]string{"a", "b", "c"}))
	assert.Equal(t, 7, e.Count())
	assert.False(t, e.ContainsKey("a"))
}

func TestEngine_RoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)

	require.True(t, e.Set("k1", []byte("v1")))
	require.True(t, e.Set("k2", []byte("v2")))
	require.True(t, e.Remove("k1"))
	require.NoError(t, e.Close())

	e2, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	defer e2.Close()

	assert.False(t, e2.ContainsKey("k1"))
	v, ok := e2.Get("k2")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}

func TestEngine_ManyKeysTriggerCompaction(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	defer e.Close()

	const n = 10000
	for i := 0; i < n; i++ {
		key := keyFmt(i)
		require.True(t, e.Set(key, []byte(valFmt(i))))
	}

	assert.Equal(t, n, e.Count())
	assert.GreaterOrEqual(t, e.meta.Sequence, uint32(1))

	v, ok := e.Get(keyFmt(42))
	require.True(t, ok)
	assert.Equal(t, valFmt(42), string(v))
}

func keyFmt(i int) string { return fmt.Sprintf("key%05d", i) }
func valFmt(i int) string { return fmt.Sprintf("val%05d", i) }

func TestEngine_ClearAll(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	defer e.Close()

	require.True(t, e.Set("k1", []byte("v1")))
	require.True(t, e.Set("k2", []byte("v2")))
	prevSeq := e.meta.Sequence
	prevIV := e.meta.IV

	require.True(t, e.ClearAll())

	assert.Equal(t, 0, e.Count())
	assert.Equal(t, mmapfile.PageSize, e.TotalSize())
	assert.Equal(t, prevSeq+1, e.meta.Sequence)
	assert.NotEqual(t, prevIV, e.meta.IV)
}

func TestEngine_Trim(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "store", RootDir: dir})
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 2000; i++ {
		require.True(t, e.Set(keyFmt(i), []byte(valFmt(i))))
	}
	grownSize := e.TotalSize()
	require.True(t, e.RemoveMany(allKeysExcept(e, 5)))

	require.True(t, e.Trim())
	assert.LessOrEqual(t, e.TotalSize(), grownSize)

	// Contents survive the trim.
	for _, k := range e.AllKeys() {
		_, ok := e.Get(k)
		assert.True(t, ok)
	}
}

func allKeysExcept(e *Engine, keep int) []string {
	keys := e.AllKeys()
	out := make([]string, 0, len(keys))
	kept := 0
	for _, k := range keys {
		if kept < keep {
			kept++
			continue
		}
		out = append(out, k)
	}
	return out
}

func TestEngine_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := []byte("TheAESKey")

	e, err := Open(Options{ID: "secure", RootDir: dir, Key: key})
	require.NoError(t, err)
	require.True(t, e.Set("greeting", []byte("Hello, MMKV")))
	require.NoError(t, e.Close())

	// Reopening with the correct key decrypts cleanly.
	e2, err := Open(Options{ID: "secure", RootDir: dir, Key: key})
	require.NoError(t, err)
	defer e2.Close()

	v, ok := e2.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "Hello, MMKV", string(v))
}

func TestEngine_EncryptedFileDiffersFromPlaintext(t *testing.T) {
	plainDir := t.TempDir()
	cryptDir := t.TempDir()

	ep, err := Open(Options{ID: "s", RootDir: plainDir})
	require.NoError(t, err)
	require.True(t, ep.Set("k", []byte("some value")))
	require.NoError(t, ep.Close())

	ec, err := Open(Options{ID: "s", RootDir: cryptDir, Key: []byte("key1234567890123")})
	require.NoError(t, err)
	require.True(t, ec.Set("k", []byte("some value")))
	require.NoError(t, ec.Close())

	plainBytes := readFile(t, filepath.Join(plainDir, "s"))
	cryptBytes := readFile(t, filepath.Join(cryptDir, "s"))
	assert.NotEqual(t, plainBytes, cryptBytes)
}

func TestEngine_DiscardOnWrongKey(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{ID: "secure", RootDir: dir, Key: []byte("TheAESKey")})
	require.NoError(t, err)
	require.True(t, e.Set("greeting", []byte("Hello, MMKV")))
	require.NoError(t, e.Close())

	// Reopening as plaintext: the ciphertext still matches its CRC but does
	// not decode as records, which is reported as a CRC failure;
	// OnErrorDiscard (the default ActionRecover would instead salvage and
	// rewrite, so this test installs Discard explicitly) yields an empty map.
	e2, err := Open(Options{
		ID: "secure", RootDir: dir,
		ErrorHandler: func(string, ErrorKind) ErrorAction { return ActionDiscard },
	})
	require.NoError(t, err)
	defer e2.Close()

	assert.Equal(t, 0, e2.Count())
}

// TestEngine_MultiProcessIncrementalTailMerge exercises checkLoadData's fast
// path: a second handle on the same data+meta pair observes an append made
// through the first handle without a full reload, because the sequence is
// unchanged and the file didn't grow.
func TestEngine_MultiProcessIncrementalTailMerge(t *testing.T) {
	dir := t.TempDir()
	e1, err := Open(Options{ID: "shared", RootDir: dir, MultiProcess: true})
	require.NoError(t, err)
	defer e1.Close()

	e2, err := Open(Options{ID: "shared", RootDir: dir, MultiProcess: true})
	require.NoError(t, err)
	defer e2.Close()

	require.True(t, e1.Set("k1", []byte("v1")))
	require.True(t, e1.Sync(true))

	v, ok := e2.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
	assert.Equal(t, 1, e2.Count())
	// Same sequence throughout: the merge took the incremental path, not a
	// full reload.
	assert.Equal(t, e1.meta.Sequence, e2.cachedMeta.Sequence)

	require.True(t, e1.Set("k2", []byte("v2")))
	require.True(t, e1.Sync(true))
	assert.Equal(t, 2, e2.Count())

	v, ok = e2.Get("k2")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}

// TestEngine_MultiProcessFullReloadOnSequenceBump forces a third handle to
// compact the shared file (bumping its sequence), and asserts that a stale
// handle falls back to a full reload rather than trying to tail-merge a
// rewritten file.
func TestEngine_MultiProcessFullReloadOnSequenceBump(t *testing.T) {
	dir := t.TempDir()
	e1, err := Open(Options{ID: "shared", RootDir: dir, MultiProcess: true})
	require.NoError(t, err)
	defer e1.Close()

	e2, err := Open(Options{ID: "shared", RootDir: dir, MultiProcess: true})
	require.NoError(t, err)
	defer e2.Close()

	require.True(t, e1.Set("k1", []byte("v1")))
	require.True(t, e1.Sync(true))
	_, ok := e2.Get("k1")
	require.True(t, ok)

	e3, err := Open(Options{ID: "shared", RootDir: dir, MultiProcess: true})
	require.NoError(t, err)
	defer e3.Close()
	require.True(t, e3.RemoveMany([]string{"k1"}))
	require.True(t, e3.Set("k2", []byte("v2")))
	require.NoError(t, e3.Close())
	prevSeq := e3.meta.Sequence

	require.True(t, e1.Set("k3", []byte("v3")))

	v, ok := e2.Get("k2")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
	assert.False(t, e2.ContainsKey("k1"))
	assert.Equal(t, prevSeq, e2.cachedMeta.Sequence)
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

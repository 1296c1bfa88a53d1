package mmapfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenOrCreateRoundsUpToPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	f, err := OpenOrCreate(path, 1)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, PageSize, f.Size())
}

func TestOpenExistingPreservesSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	f, err := OpenOrCreate(path, PageSize*3)
	require.NoError(t, err)
	copy(f.Data(), []byte("hello"))
	require.NoError(t, f.Msync(true))
	require.NoError(t, f.Close())

	reopened, err := OpenOrCreate(path, 1)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, PageSize*3, reopened.Size())
	assert.Equal(t, "hello", string(reopened.Data()[:5]))
}

func TestTruncateGrowsAndZeroFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	f, err := OpenOrCreate(path, PageSize)
	require.NoError(t, err)
	defer f.Close()

	copy(f.Data(), []byte("marker"))
	require.NoError(t, f.Truncate(PageSize*2))
	assert.Equal(t, PageSize*2, f.Size())
	assert.Equal(t, "marker", string(f.Data()[:6]))

	for _, b := range f.Data()[PageSize:] {
		require.Zero(t, b)
	}
}

func TestNextPowerOfTwoSizeDoublesUntilEnough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	f, err := OpenOrCreate(path, PageSize)
	require.NoError(t, err)
	defer f.Close()

	want := f.NextPowerOfTwoSize(PageSize + 1)
	assert.Equal(t, PageSize*4, want)
}

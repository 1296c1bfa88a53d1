package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySanitizesUnsafeCharacters(t *testing.T) {
	plain := Key("myconfig", "")
	assert.Equal(t, "myconfig", plain)

	hashed := Key("bad/id:name", "")
	assert.True(t, len(hashed) > len("specialCharacter/"))
	assert.Contains(t, hashed, "specialCharacter/")
	assert.NotContains(t, hashed, "/id:")
}

func TestKeyIncludesRoot(t *testing.T) {
	k1 := Key("id", "/tmp/a")
	k2 := Key("id", "/tmp/b")
	assert.NotEqual(t, k1, k2)
}

func TestGetOrCreateBuildsOnce(t *testing.T) {
	r := New[int]()
	calls := 0
	create := func() (int, error) {
		calls++
		return 42, nil
	}

	v1, err := r.GetOrCreate("k", create)
	require.NoError(t, err)
	v2, err := r.GetOrCreate("k", create)
	require.NoError(t, err)

	assert.Equal(t, 42, v1)
	assert.Equal(t, 42, v2)
	assert.Equal(t, 1, calls)
}

func TestGetOrCreateConcurrentCallersShareOneInstance(t *testing.T) {
	r := New[int]()
	var calls int
	var mu sync.Mutex
	create := func() (int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.GetOrCreate("shared", create)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestGetOrCreatePropagatesCreateError(t *testing.T) {
	r := New[int]()
	wantErr := errors.New("boom")
	_, err := r.GetOrCreate("k", func() (int, error) { return 0, wantErr })
	assert.ErrorIs(t, err, wantErr)
	_, ok := r.Lookup("k")
	assert.False(t, ok)
}

func TestRemoveDeletesInstance(t *testing.T) {
	r := New[int]()
	_, err := r.GetOrCreate("k", func() (int, error) { return 1, nil })
	require.NoError(t, err)
	r.Remove("k")
	_, ok := r.Lookup("k")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

package hashindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
)

func testConfig() config.HashIndex {
	return config.HashIndex{
		PageSize:              512,
		Size:                  512 * 32,
		Sync:                  "unsafe",
		MaxKeySize:             20,
		MaxValueSize:           64,
		Checksum:               true,
		EstimatedMaxFillRatio:  0.8,
		OverflowArea:           true,
		WriteCache:             true,
		WriteCacheMaxPageCount: 4,
	}
}

func TestPutLookupDelete(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, "test-index", testConfig())
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Put([]byte("fp-1"), []byte("value-1")))
	v, ok, err := ix.Lookup([]byte("fp-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value-1", string(v))

	require.NoError(t, ix.Delete([]byte("fp-1")))
	_, ok, err = ix.Lookup([]byte("fp-1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutIfAbsent(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, "test-index", testConfig())
	require.NoError(t, err)
	defer ix.Close()

	inserted, err := ix.PutIfAbsent([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = ix.PutIfAbsent([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	assert.False(t, inserted)

	v, _, err := ix.Lookup([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestReopenPreservesEntries(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	ix, err := Open(dir, "test-index", cfg)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, ix.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte(fmt.Sprintf("val-%02d", i))))
	}
	require.NoError(t, ix.Close())

	ix2, err := Open(dir, "test-index", cfg)
	require.NoError(t, err)
	defer ix2.Close()

	for i := 0; i < 20; i++ {
		v, ok, err := ix2.Lookup([]byte(fmt.Sprintf("key-%02d", i)))
		require.NoError(t, err)
		require.True(t, ok, "key-%02d missing after reopen", i)
		assert.Equal(t, fmt.Sprintf("val-%02d", i), string(v))
	}
}

func TestIterateVisitsAllEntries(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, "test-index", testConfig())
	require.NoError(t, err)
	defer ix.Close()

	want := map[string]string{}
	for i := 0; i < 15; i++ {
		k, v := fmt.Sprintf("k%02d", i), fmt.Sprintf("v%02d", i)
		require.NoError(t, ix.Put([]byte(k), []byte(v)))
		want[k] = v
	}

	got := map[string]string{}
	require.NoError(t, ix.Iterate(func(k, v []byte) error {
		got[string(k)] = string(v)
		return nil
	}))
	assert.Equal(t, want, got)
}

func TestChangePinStateProtectsFromEviction(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.WriteCacheMaxPageCount = 1
	ix, err := Open(dir, "test-index", cfg)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Put([]byte("pinned-key"), []byte("pinned-val")))
	ix.ChangePinState([]byte("pinned-key"), true)

	for i := 0; i < 10; i++ {
		require.NoError(t, ix.Put([]byte(fmt.Sprintf("other-%d", i)), []byte("x")))
	}

	v, ok, err := ix.Lookup([]byte("pinned-key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pinned-val", string(v))
}

func TestEnsurePersistentClearsDirtyCount(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, "test-index", testConfig())
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Put([]byte("a"), []byte("b")))
	assert.Greater(t, ix.DirtyItemCount(), int64(0))
	require.NoError(t, ix.EnsurePersistent())
	assert.Equal(t, int64(0), ix.DirtyItemCount())
}

package container

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
)

func testStoreConfig() (config.Container, config.HashIndex) {
	cc := config.Container{
		ContainerSize:       1024,
		FileSize:            1024 * 32,
		Compression:         "none",
		ReadCacheSize:       8,
		WriteContainerCount: 2,
		WriteCacheStrategy:  "round-robin",
	}
	mc := config.HashIndex{
		PageSize:              256,
		Size:                  256 * 64,
		Sync:                  "unsafe",
		MaxKeySize:             8,
		MaxValueSize:           8,
		Checksum:               true,
		EstimatedMaxFillRatio:  0.8,
		OverflowArea:           true,
		WriteCache:             true,
		WriteCacheMaxPageCount: 8,
	}
	return cc, mc
}

func TestStorePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cc, mc := testStoreConfig()
	s, err := Open(dir, cc, mc)
	require.NoError(t, err)
	defer s.Close()

	containerID, err := s.Put([]byte("fp-a"), []byte("hello world"))
	require.NoError(t, err)

	v, ok, err := s.Get(containerID, []byte("fp-a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(v))
}

func TestStoreReopenPreservesContainers(t *testing.T) {
	dir := t.TempDir()
	cc, mc := testStoreConfig()
	s, err := Open(dir, cc, mc)
	require.NoError(t, err)

	ids := make([]uint64, 5)
	for i := 0; i < 5; i++ {
		id, err := s.Put([]byte(fmt.Sprintf("fp-%d", i)), []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, s.Close())

	s2, err := Open(dir, cc, mc)
	require.NoError(t, err)
	defer s2.Close()

	for i := 0; i < 5; i++ {
		v, ok, err := s2.Get(ids[i], []byte(fmt.Sprintf("fp-%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(v))
	}
}

func TestStoreDeleteFreesSlot(t *testing.T) {
	dir := t.TempDir()
	cc, mc := testStoreConfig()
	s, err := Open(dir, cc, mc)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	before := s.UsedSlotCount()

	require.NoError(t, s.Delete(id))
	assert.Less(t, s.UsedSlotCount(), before)

	_, ok, err := s.Get(id, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMergeConsolidatesSparseContainers(t *testing.T) {
	dir := t.TempDir()
	cc, mc := testStoreConfig()
	s, err := Open(dir, cc, mc)
	require.NoError(t, err)
	defer s.Close()

	// Force several distinct containers by writing into distinct round-robin
	// slots then sealing each manually via enough items to trigger overflow
	// isn't needed here: round-robin with WriteContainerCount=2 and small
	// payloads keeps these in at most 2 open containers, which is enough to
	// exercise ScanCandidates/Merge without relying on precise fill timing.
	ids := make([]uint64, 0, 4)
	keys := make([][]byte, 0, 4)
	for i := 0; i < 4; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		id, err := s.Put(k, []byte("v"))
		require.NoError(t, err)
		ids = append(ids, id)
		keys = append(keys, k)
	}

	live := map[string]bool{string(keys[0]): true}
	isLive := func(key []byte) (bool, error) { return live[string(key)], nil }

	candidates, err := s.ScanCandidates(1.0)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	_, err = s.Merge(candidates, isLive)
	require.NoError(t, err)

	v, ok, err := s.Get(ids[0], keys[0])
	if ok {
		require.NoError(t, err)
		assert.Equal(t, "v", string(v))
	}
	// The non-live original containers must no longer resolve under their
	// old logical IDs (they were deleted as part of the merge).
	for i := 1; i < len(ids); i++ {
		found := false
		for _, c := range candidates {
			if c.ContainerID == ids[i] {
				found = true
			}
		}
		if found {
			_, ok, err := s.Get(ids[i], keys[i])
			require.NoError(t, err)
			assert.False(t, ok)
		}
	}
}

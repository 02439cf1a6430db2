package blockindex

import (
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
		MaxKeySize:             8,
		MaxValueSize:           256,
		Checksum:               true,
		EstimatedMaxFillRatio:  0.8,
		OverflowArea:           true,
		WriteCache:             true,
		WriteCacheMaxPageCount: 4,
	}
}

func TestStoreBlockPromotesWhenAlreadyCommitted(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer ix.Close()

	m := Mapping{BlockID: 1, Items: []MappingItem{{Fingerprint: []byte("fp1"), Offset: 0, Size: 4096}}}
	require.NoError(t, ix.StoreBlock(m, nil))

	got, ok, err := ix.ReadBlockInfo(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.BlockID)
	assert.Equal(t, "fp1", string(got.Items[0].Fingerprint))
}

func TestStoreBlockWaitsForContainerCommit(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer ix.Close()

	h := ix.NewContainerHandle()
	m := Mapping{BlockID: 2, Items: []MappingItem{{Fingerprint: []byte("fp2"), Size: 4096}}}
	require.NoError(t, ix.StoreBlock(m, []containerHandle{h}))

	// Not yet promoted: the persistent store doesn't have it, but the
	// pending read still surfaces the volatile mapping.
	got, ok, err := ix.ReadBlockInfo(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.BlockID)

	require.NoError(t, ix.CommitContainer(h))

	got2, ok, err := ix.ReadBlockInfo(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fp2", string(got2.Items[0].Fingerprint))
}

func TestFailContainerDiscardsDependentBlocks(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer ix.Close()

	h := ix.NewContainerHandle()
	m := Mapping{BlockID: 3, Items: []MappingItem{{Fingerprint: []byte("fp3")}}}
	require.NoError(t, ix.StoreBlock(m, []containerHandle{h}))

	failed := ix.FailContainer(h)
	assert.Equal(t, []uint64{3}, failed)

	_, ok, err := ix.ReadBlockInfo(3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiffComputesOldAndNew(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer ix.Close()

	first := Mapping{BlockID: 4, Items: []MappingItem{{Fingerprint: []byte("a")}}}
	require.NoError(t, ix.StoreBlock(first, nil))

	second := Mapping{BlockID: 4, Items: []MappingItem{{Fingerprint: []byte("b")}}}
	pair, err := ix.Diff(4, second)
	require.NoError(t, err)
	require.NotNil(t, pair.Old)
	assert.Equal(t, "a", string(pair.Old.Items[0].Fingerprint))
	assert.Equal(t, "b", string(pair.New.Items[0].Fingerprint))
}

func TestMappingEncodeDecodeRoundTrip(t *testing.T) {
	m := Mapping{
		BlockID: 99,
		Version: 3,
		Items: []MappingItem{
			{Fingerprint: []byte("fp-a"), Offset: 0, Size: 4096},
			{Fingerprint: []byte("fp-b"), Offset: 4096, Size: 2048},
		},
	}
	buf := encodeMapping(m)
	decoded, err := decodeMapping(buf)
	require.NoError(t, err)
	assert.Equal(t, m.BlockID, decoded.BlockID)
	assert.Equal(t, m.Version, decoded.Version)
	require.Len(t, decoded.Items, 2)
	assert.Equal(t, "fp-b", string(decoded.Items[1].Fingerprint))
}

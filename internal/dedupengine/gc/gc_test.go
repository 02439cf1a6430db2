package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupengine/internal/dedupengine/blockindex"
	"github.com/dedupv1/dedupengine/internal/dedupengine/chunkindex"
	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
)

func testHashIndexConfig() config.HashIndex {
	return config.HashIndex{
		PageSize:              512,
		Size:                  512 * 32,
		Sync:                  "unsafe",
		MaxKeySize:             20,
		MaxValueSize:           512,
		Checksum:               true,
		EstimatedMaxFillRatio:  0.8,
		OverflowArea:           true,
		WriteCache:             true,
		WriteCacheMaxPageCount: 4,
	}
}

func TestDiffComputesGainsAndLosses(t *testing.T) {
	old := &blockindex.Mapping{Items: []blockindex.MappingItem{
		{Fingerprint: []byte("a")},
		{Fingerprint: []byte("b")},
	}}
	updated := &blockindex.Mapping{Items: []blockindex.MappingItem{
		{Fingerprint: []byte("b")},
		{Fingerprint: []byte("c")},
	}}
	deltas := Diff(blockindex.Pair{Old: old, New: updated})

	byFP := map[string]int32{}
	for _, d := range deltas {
		byFP[string(d.Fingerprint)] = d.Change
	}
	assert.Equal(t, int32(-1), byFP["a"])
	assert.Equal(t, int32(1), byFP["c"])
	_, stillPresent := byFP["b"]
	assert.False(t, stillPresent, "fingerprint referenced before and after should have no delta")
}

func TestDiffFirstWriteHasNoOld(t *testing.T) {
	newMapping := &blockindex.Mapping{Items: []blockindex.MappingItem{{Fingerprint: []byte("x")}}}
	deltas := Diff(blockindex.Pair{Old: nil, New: newMapping})
	require.Len(t, deltas, 1)
	assert.Equal(t, int32(1), deltas[0].Change)
}

func TestCollectorAppliesDeltasAndMarksCandidate(t *testing.T) {
	dir := t.TempDir()
	chunks, err := chunkindex.Open(dir, testHashIndexConfig())
	require.NoError(t, err)
	defer chunks.Close()
	cand, err := OpenCandidateIndex(dir, testHashIndexConfig())
	require.NoError(t, err)
	defer cand.Close()

	fp := []byte("fp-gc")
	require.NoError(t, chunks.Put(fp, chunkindex.MappingData{ContainerID: 42, UsageCount: 1}))

	collector := NewCollector(chunks, cand)
	require.NoError(t, collector.Apply(1, []Delta{{Fingerprint: fp, Change: -1}}))

	m, ok, err := chunks.Lookup(fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), m.UsageCount)

	candidates, err := cand.Candidates(42)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "fp-gc", string(candidates[0]))
}

func TestCollectorIsIdempotentUnderRedelivery(t *testing.T) {
	dir := t.TempDir()
	chunks, err := chunkindex.Open(dir, testHashIndexConfig())
	require.NoError(t, err)
	defer chunks.Close()
	cand, err := OpenCandidateIndex(dir, testHashIndexConfig())
	require.NoError(t, err)
	defer cand.Close()

	fp := []byte("fp-redeliver")
	require.NoError(t, chunks.Put(fp, chunkindex.MappingData{ContainerID: 1, UsageCount: 5}))

	collector := NewCollector(chunks, cand)
	deltas := []Delta{{Fingerprint: fp, Change: -1}}
	require.NoError(t, collector.Apply(7, deltas))
	require.NoError(t, collector.Apply(7, deltas)) // same log_id redelivered

	m, _, err := chunks.Lookup(fp)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), m.UsageCount, "redelivery of the same log_id must not double-apply")
}

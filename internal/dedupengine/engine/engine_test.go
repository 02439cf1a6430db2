package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupengine/internal/dedupengine/collab"
	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
)

// fixedChunker splits input into chunkSize-byte chunks (final chunk may be
// shorter), standing in for a real content-defined chunker in tests.
type fixedChunker struct{ chunkSize int }

func (c fixedChunker) Chunk(data []byte) ([]collab.ChunkRange, error) {
	var ranges []collab.ChunkRange
	for off := 0; off < len(data); off += c.chunkSize {
		end := off + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		ranges = append(ranges, collab.ChunkRange{Offset: off, Length: end - off})
	}
	return ranges, nil
}

// identityFingerprinter uses the chunk's own bytes (padded/truncated to a
// fixed width) as its fingerprint, which is sufficient for deterministic
// dedup-hit tests without pulling in a real cryptographic hash.
type identityFingerprinter struct{}

func (identityFingerprinter) Fingerprint(chunk []byte) ([]byte, error) {
	fp := make([]byte, 20)
	copy(fp, chunk)
	return fp, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ChunkIndex.Size = 64 * 1024
	cfg.ChunkIndex.PageSize = 512
	cfg.BlockIndex.Size = 64 * 1024
	cfg.BlockIndex.PageSize = 512
	cfg.ContainerMeta.Size = 64 * 1024
	cfg.ContainerMeta.PageSize = 512
	cfg.GCCandidates.Size = 64 * 1024
	cfg.GCCandidates.PageSize = 512
	cfg.Container.ContainerSize = 4096
	cfg.Container.FileSize = 4096 * 64
	cfg.Log.MaxLogSize = 1 << 20
	return cfg
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		require.NoError(t, e.Stop(WritebackStop))
		require.NoError(t, e.Close())
	})
	return e
}

func TestWriteThenReadBlockRoundTrips(t *testing.T) {
	e := openTestEngine(t)
	vh := NewVolumeHandler(e, fixedChunker{chunkSize: 8}, identityFingerprinter{}, nil)

	payload := []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, vh.WriteBlock(context.Background(), "vol0", 1, payload))

	got, ok, err := vh.ReadBlock(context.Background(), "vol0", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestWriteBlockDeduplicatesRepeatedChunks(t *testing.T) {
	e := openTestEngine(t)
	vh := NewVolumeHandler(e, fixedChunker{chunkSize: 8}, identityFingerprinter{}, nil)

	chunk := []byte("AAAAAAAA")
	payload := append(append([]byte{}, chunk...), chunk...) // same 8-byte chunk twice

	require.NoError(t, vh.WriteBlock(context.Background(), "vol0", 1, payload))

	fp, err := identityFingerprinter{}.Fingerprint(chunk)
	require.NoError(t, err)
	m, ok, err := e.Chunks().Lookup(fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), m.UsageCount, "both references to the repeated chunk should bump usage count")
}

func TestOverwriteBlockDropsStaleUsageCounts(t *testing.T) {
	e := openTestEngine(t)
	vh := NewVolumeHandler(e, fixedChunker{chunkSize: 8}, identityFingerprinter{}, nil)

	first := []byte("AAAAAAAA")
	second := []byte("BBBBBBBB")

	require.NoError(t, vh.WriteBlock(context.Background(), "vol0", 1, first))
	require.NoError(t, vh.WriteBlock(context.Background(), "vol0", 1, second))

	fpFirst, _ := identityFingerprinter{}.Fingerprint(first)
	m, ok, err := e.Chunks().Lookup(fpFirst)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), m.UsageCount, "overwritten block's old chunk should lose its only reference")

	got, ok, err := vh.ReadBlock(context.Background(), "vol0", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestUnmapBlockClearsMapping(t *testing.T) {
	e := openTestEngine(t)
	vh := NewVolumeHandler(e, fixedChunker{chunkSize: 8}, identityFingerprinter{}, nil)

	require.NoError(t, vh.WriteBlock(context.Background(), "vol0", 1, []byte("AAAAAAAA")))
	require.NoError(t, vh.UnmapBlock(context.Background(), "vol0", 1))

	_, ok, err := vh.ReadBlock(context.Background(), "vol0", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

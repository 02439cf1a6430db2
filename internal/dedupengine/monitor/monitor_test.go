package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupv1/dedupengine/internal/dedupengine/collab"
	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
	"github.com/dedupv1/dedupengine/internal/dedupengine/engine"
)

type wholeChunker struct{}

func (wholeChunker) Chunk(data []byte) ([]collab.ChunkRange, error) {
	return []collab.ChunkRange{{Offset: 0, Length: len(data)}}, nil
}

type sumFingerprinter struct{}

func (sumFingerprinter) Fingerprint(chunk []byte) ([]byte, error) {
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

func TestStatusAndBlockEndpoints(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		require.NoError(t, e.Stop(engine.WritebackStop))
		require.NoError(t, e.Close())
	})

	vh := engine.NewVolumeHandler(e, wholeChunker{}, sumFingerprinter{}, nil)
	require.NoError(t, vh.WriteBlock(context.Background(), "vol0", 7, []byte("payload-bytes")))

	srv := New(e)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.EqualValues(t, 1, status["chunk_item_count"])
	assert.EqualValues(t, 1, status["block_item_count"])

	rr2 := httptest.NewRecorder()
	srv.ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/block/7", nil))
	assert.Equal(t, http.StatusOK, rr2.Code)
	var block map[string]interface{}
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &block))
	assert.EqualValues(t, 7, block["block_id"])
}

func TestBlockEndpointNotFound(t *testing.T) {
	dir := t.TempDir()
	e, err := engine.Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		require.NoError(t, e.Stop(engine.WritebackStop))
		require.NoError(t, e.Close())
	})

	srv := New(e)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/block/999", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

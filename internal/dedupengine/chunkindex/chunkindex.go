// Package chunkindex implements the L2 chunk index: the fingerprint ->
// chunk-mapping-data table that backs inline deduplication lookups. It is
// a thin, typed layer over hashindex.Index, adding pin/dirty write-back
// semantics for fingerprints whose backing container is still
// uncommitted (spec.md section 4.5).
package chunkindex

import (
	"encoding/binary"

	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
	"github.com/dedupv1/dedupengine/internal/dedupengine/hashindex"
)

// MappingData is the value stored for a fingerprint: which container holds
// its chunk data, its compressed size (for space-accounting), and a usage
// count maintained by the garbage collector's usage-count pass.
type MappingData struct {
	ContainerID     uint64
	CompressedSize  uint32
	UsageCount      uint32
}

func encodeMappingData(m MappingData) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], m.ContainerID)
	binary.BigEndian.PutUint32(buf[8:12], m.CompressedSize)
	binary.BigEndian.PutUint32(buf[12:16], m.UsageCount)
	return buf
}

func decodeMappingData(buf []byte) (MappingData, error) {
	if len(buf) != 16 {
		return MappingData{}, errkind.Newf(errkind.Integrity, "chunk mapping value has wrong size: %d", len(buf))
	}
	return MappingData{
		ContainerID:    binary.BigEndian.Uint64(buf[0:8]),
		CompressedSize: binary.BigEndian.Uint32(buf[8:12]),
		UsageCount:     binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// Index is the fingerprint -> MappingData chunk index.
type Index struct {
	idx *hashindex.Index
}

// Open opens or creates the chunk index under dir.
func Open(dir string, cfg config.HashIndex) (*Index, error) {
	idx, err := hashindex.Open(dir, "chunk-index", cfg)
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

// Lookup returns the mapping data stored for fingerprint, if present. A
// dedup hit is exactly: Lookup succeeds and ok is true.
func (ix *Index) Lookup(fingerprint []byte) (MappingData, bool, error) {
	v, ok, err := ix.idx.Lookup(fingerprint)
	if err != nil || !ok {
		return MappingData{}, ok, err
	}
	m, err := decodeMappingData(v)
	return m, true, err
}

// Put inserts or overwrites fingerprint's mapping data.
func (ix *Index) Put(fingerprint []byte, m MappingData) error {
	return ix.idx.Put(fingerprint, encodeMappingData(m))
}

// PutIfAbsent inserts fingerprint's mapping data only if it is not already
// present; this is the primitive inline dedup write path uses: a losing
// race on a concurrently-written identical fingerprint is not an error,
// it is the definition of a dedup hit.
func (ix *Index) PutIfAbsent(fingerprint []byte, m MappingData) (inserted bool, err error) {
	return ix.idx.PutIfAbsent(fingerprint, encodeMappingData(m))
}

// Delete removes fingerprint's mapping data, used once its usage count
// drops to zero and the GC has reclaimed its backing chunk data.
func (ix *Index) Delete(fingerprint []byte) error {
	return ix.idx.Delete(fingerprint)
}

// Pin marks fingerprint's backing bucket pinned in the write-back cache,
// preventing eviction while its container is uncommitted.
func (ix *Index) Pin(fingerprint []byte) { ix.idx.ChangePinState(fingerprint, true) }

// Unpin releases a previously-set pin, once the backing container commits.
func (ix *Index) Unpin(fingerprint []byte) { ix.idx.ChangePinState(fingerprint, false) }

// Iterate walks every (fingerprint, MappingData) pair, used by the
// usage-count GC to compute reference-count deltas.
func (ix *Index) Iterate(fn func(fingerprint []byte, m MappingData) error) error {
	return ix.idx.Iterate(func(k, v []byte) error {
		m, err := decodeMappingData(v)
		if err != nil {
			return err
		}
		return fn(k, m)
	})
}

// EnsurePersistent flushes all dirty pages to stable storage.
func (ix *Index) EnsurePersistent() error { return ix.idx.EnsurePersistent() }

// ItemCount returns the number of resident fingerprints.
func (ix *Index) ItemCount() int64 { return ix.idx.ItemCount() }

// DirtyItemCount returns the number of puts/deletes since the last
// EnsurePersistent, for the monitor's /dirty-counts endpoint.
func (ix *Index) DirtyItemCount() int64 { return ix.idx.DirtyItemCount() }

// Close flushes and closes the backing hash index.
func (ix *Index) Close() error { return ix.idx.Close() }

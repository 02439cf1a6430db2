package blockindex

import (
	"github.com/dedupv1/dedupengine/internal/dedupengine/config"
	"github.com/dedupv1/dedupengine/internal/dedupengine/hashindex"
)

// Index is the block index: a volatile layer for mappings whose backing
// containers are still uncommitted, bridging to a persistent
// hashindex.Index once every dependency commits.
type Index struct {
	persistent *hashindex.Index
	volatile   *volatileStore
}

// Open opens or creates the persistent block index under dir.
func Open(dir string, cfg config.HashIndex) (*Index, error) {
	idx, err := hashindex.Open(dir, "block-index", cfg)
	if err != nil {
		return nil, err
	}
	return &Index{persistent: idx, volatile: newVolatileStore()}, nil
}

// NewContainerHandle allocates a handle representing a container that is
// about to be written but has not yet committed; callers pass the
// returned handle to StoreBlock for any block mapping that references
// data landing in that container.
func (ix *Index) NewContainerHandle() containerHandle { return ix.volatile.NewContainerHandle() }

// StoreBlock records blockID's mapping, pending commit of every given
// container handle. A block whose handles are already all committed is
// promoted to the persistent store immediately.
func (ix *Index) StoreBlock(m Mapping, handles []containerHandle) error {
	if ix.volatile.StoreBlock(m, handles) {
		return ix.promote(m.BlockID)
	}
	return nil
}

// StoreBlockOn is StoreBlock for the common case of a mapping depending
// on exactly one uncommitted container handle, letting callers outside
// this package avoid needing to name the unexported containerHandle type
// to build a slice literal.
func (ix *Index) StoreBlockOn(m Mapping, h containerHandle) error {
	return ix.StoreBlock(m, []containerHandle{h})
}

// CommitContainer marks handle committed and promotes every block mapping
// that becomes fully ready as a result.
func (ix *Index) CommitContainer(h containerHandle) error {
	for _, blockID := range ix.volatile.CommitContainer(h) {
		if err := ix.promote(blockID); err != nil {
			return err
		}
	}
	return nil
}

// FailContainer marks handle as permanently failed; dependent block
// mappings are discarded and their IDs returned so the caller can surface
// the write failure to whichever volume operation issued them.
func (ix *Index) FailContainer(h containerHandle) []uint64 {
	return ix.volatile.FailContainer(h)
}

func (ix *Index) promote(blockID uint64) error {
	m, err := ix.volatile.TakeReady(blockID)
	if err != nil {
		return err
	}
	return ix.persistent.Put(blockIDKey(blockID), encodeMapping(m))
}

// ReadBlockInfo returns blockID's current mapping: the volatile (pending)
// mapping if one exists, otherwise the persisted one.
func (ix *Index) ReadBlockInfo(blockID uint64) (Mapping, bool, error) {
	if m, ok := ix.volatile.Peek(blockID); ok {
		return m, true, nil
	}
	v, ok, err := ix.persistent.Lookup(blockIDKey(blockID))
	if err != nil || !ok {
		return Mapping{}, ok, err
	}
	m, err := decodeMapping(v)
	return m, true, err
}

// DeleteBlockInfo removes blockID's mapping from the persistent store
// (used when a volume discards or overwrites a block with no successor
// mapping, e.g. UNMAP/TRIM).
func (ix *Index) DeleteBlockInfo(blockID uint64) error {
	return ix.persistent.Delete(blockIDKey(blockID))
}

// Diff computes the Pair (old, new) for a block write, reading the block's
// current mapping (the pending one if any, otherwise the persisted one)
// before the caller stores the new one. This is the primitive the
// usage-count GC uses to compute per-fingerprint reference-count deltas
// (spec.md section 4.8): each fingerprint changes by its occurrence count
// in New minus its occurrence count in Old.
func (ix *Index) Diff(blockID uint64, newMapping Mapping) (Pair, error) {
	old, ok, err := ix.ReadBlockInfo(blockID)
	if err != nil {
		return Pair{}, err
	}
	pair := Pair{BlockID: blockID, New: &newMapping}
	if ok {
		pair.Old = &old
	}
	return pair, nil
}

// Iterate walks every persisted (committed) block mapping.
func (ix *Index) Iterate(fn func(m Mapping) error) error {
	return ix.persistent.Iterate(func(k, v []byte) error {
		m, err := decodeMapping(v)
		if err != nil {
			return err
		}
		return fn(m)
	})
}

// EnsurePersistent flushes the persistent store's dirty pages.
func (ix *Index) EnsurePersistent() error { return ix.persistent.EnsurePersistent() }

// ItemCount returns the number of committed block mappings.
func (ix *Index) ItemCount() int64 { return ix.persistent.ItemCount() }

// DirtyItemCount returns the number of puts/deletes since the last
// EnsurePersistent, for the monitor's /dirty-counts endpoint.
func (ix *Index) DirtyItemCount() int64 { return ix.persistent.DirtyItemCount() }

// Close flushes and closes the persistent store.
func (ix *Index) Close() error { return ix.persistent.Close() }

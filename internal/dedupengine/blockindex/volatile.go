package blockindex

import (
	"sync"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// containerHandle is a stable, opaque reference to an uncommitted
// container that one or more uncommitted block mappings depend on. Blocks
// and containers refer to each other only through this handle (an
// integer, looked up through the two maps below) rather than through
// direct pointers in either direction, so a container can be promoted or
// failed without having to walk and rewrite every block that references
// it.
type containerHandle uint64

// volatileStore holds block mappings whose backing container writes have
// not yet been durably committed. A mapping is promoted to the persistent
// store only once every container handle it depends on has been marked
// committed (spec.md section 4.6).
type volatileStore struct {
	mu sync.Mutex

	nextHandle uint64

	// uncommittedContainers tracks, for each open handle, whether the
	// container it names has committed yet.
	uncommittedContainers map[containerHandle]bool

	// uncommittedBlocks holds block mappings still pending promotion,
	// along with the set of handles each one is still waiting on.
	uncommittedBlocks map[uint64]*pendingBlock
}

type pendingBlock struct {
	mapping  Mapping
	pending  map[containerHandle]bool
}

func newVolatileStore() *volatileStore {
	return &volatileStore{
		uncommittedContainers: make(map[containerHandle]bool),
		uncommittedBlocks:     make(map[uint64]*pendingBlock),
	}
}

// NewContainerHandle allocates a handle for a container that has just been
// opened for writing (not yet committed).
func (v *volatileStore) NewContainerHandle() containerHandle {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextHandle++
	h := containerHandle(v.nextHandle)
	v.uncommittedContainers[h] = false
	return h
}

// StoreBlock records a block mapping that depends on the given (still
// uncommitted) container handles, replacing any prior pending mapping for
// the same block ID. It reports whether the mapping is immediately ready
// for promotion (every handle had already committed).
func (v *volatileStore) StoreBlock(m Mapping, handles []containerHandle) (ready bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pending := make(map[containerHandle]bool, len(handles))
	for _, h := range handles {
		if !v.uncommittedContainers[h] {
			pending[h] = true
		}
	}
	v.uncommittedBlocks[m.BlockID] = &pendingBlock{mapping: m, pending: pending}
	return len(pending) == 0
}

// CommitContainer marks handle committed and returns the block IDs that
// became fully promotable as a result (every handle they depended on is
// now committed).
func (v *volatileStore) CommitContainer(h containerHandle) []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.uncommittedContainers[h] = true

	var ready []uint64
	for blockID, pb := range v.uncommittedBlocks {
		if _, waiting := pb.pending[h]; waiting {
			delete(pb.pending, h)
		}
		if len(pb.pending) == 0 {
			ready = append(ready, blockID)
		}
	}
	return ready
}

// FailContainer marks handle permanently failed: every block mapping
// depending on it is discarded rather than promoted, and the discarded
// block IDs are returned so the caller can surface write failures upward.
func (v *volatileStore) FailContainer(h containerHandle) []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.uncommittedContainers, h)

	var failed []uint64
	for blockID, pb := range v.uncommittedBlocks {
		if _, waiting := pb.pending[h]; waiting {
			failed = append(failed, blockID)
			delete(v.uncommittedBlocks, blockID)
		}
	}
	return failed
}

// TakeReady removes and returns a ready block's mapping for promotion to
// the persistent store. It returns an error if blockID is not present or
// is still pending.
func (v *volatileStore) TakeReady(blockID uint64) (Mapping, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pb, ok := v.uncommittedBlocks[blockID]
	if !ok {
		return Mapping{}, errkind.Newf(errkind.NotFound, "block %d has no pending mapping", blockID)
	}
	if len(pb.pending) > 0 {
		return Mapping{}, errkind.Newf(errkind.ContractViolation, "block %d is not yet ready for promotion", blockID)
	}
	delete(v.uncommittedBlocks, blockID)
	return pb.mapping, nil
}

// Peek returns the pending mapping for blockID, if any, without requiring
// it to be ready — used to serve reads of a block that was just written
// but whose container hasn't committed yet.
func (v *volatileStore) Peek(blockID uint64) (Mapping, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pb, ok := v.uncommittedBlocks[blockID]
	if !ok {
		return Mapping{}, false
	}
	return pb.mapping, true
}

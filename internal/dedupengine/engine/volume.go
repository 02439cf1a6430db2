package engine

import (
	"context"

	"github.com/dedupv1/dedupengine/internal/dedupengine/blockindex"
	"github.com/dedupv1/dedupengine/internal/dedupengine/chunkindex"
	"github.com/dedupv1/dedupengine/internal/dedupengine/collab"
	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
	"github.com/dedupv1/dedupengine/internal/dedupengine/gc"
	"github.com/dedupv1/dedupengine/internal/dedupengine/oplog"
)

// volumeHandler implements collab.VolumeHandler over one Engine, running
// the inline dedup write path: chunk, fingerprint, look up the chunk
// index, and on a miss append to the container store; either way produce
// a block mapping, diff it against the block's prior mapping, and commit
// the resulting usage-count deltas to the operation log, where the
// engine's registered gcConsumer applies them to the chunk index.
type volumeHandler struct {
	e             *Engine
	chunker       collab.Chunker
	fingerprinter collab.Fingerprinter
	filters       collab.FilterChain
}

// NewVolumeHandler builds a collab.VolumeHandler backed by e, using the
// given chunking, fingerprinting, and filter-chain collaborators. Those
// three are out of scope for this engine (spec.md's Non-goals) and are
// supplied by the caller.
func NewVolumeHandler(e *Engine, chunker collab.Chunker, fingerprinter collab.Fingerprinter, filters collab.FilterChain) collab.VolumeHandler {
	return &volumeHandler{e: e, chunker: chunker, fingerprinter: fingerprinter, filters: filters}
}

var _ collab.VolumeHandler = (*volumeHandler)(nil)

// ReadBlock reassembles blockID's current content from its chunk mappings.
func (h *volumeHandler) ReadBlock(ctx context.Context, volumeID string, blockID uint64) ([]byte, bool, error) {
	m, ok, err := h.e.blocks.ReadBlockInfo(blockID)
	if err != nil || !ok {
		return nil, ok, err
	}
	out := make([]byte, 0, len(m.Items))
	for _, it := range m.Items {
		md, ok, err := h.e.chunks.Lookup(it.Fingerprint)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, errUnreadableChunk(it.Fingerprint)
		}
		data, ok, err := h.e.store.Get(md.ContainerID, it.Fingerprint)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, errUnreadableChunk(it.Fingerprint)
		}
		out = append(out, data...)
	}
	return out, true, nil
}

// WriteBlock runs the full inline write path for one block's data:
// chunk -> fingerprint -> filter -> dedup lookup -> (on miss) container
// append -> chunk index insert -> block mapping commit -> usage-count GC.
func (h *volumeHandler) WriteBlock(ctx context.Context, volumeID string, blockID uint64, data []byte) error {
	ranges, err := h.chunker.Chunk(data)
	if err != nil {
		return err
	}

	handle := h.e.blocks.NewContainerHandle()
	items := make([]blockindex.MappingItem, 0, len(ranges))

	for _, r := range ranges {
		chunk := data[r.Offset : r.Offset+r.Length]
		fp, err := h.fingerprinter.Fingerprint(chunk)
		if err != nil {
			return err
		}
		if h.filters != nil {
			skip, err := h.filters.Apply(ctx, fp, chunk)
			if err != nil {
				return err
			}
			if skip {
				continue
			}
		}

		if _, ok, err := h.e.chunks.Lookup(fp); err != nil {
			return err
		} else if !ok {
			h.e.chunks.Pin(fp)
			containerID, err := h.e.store.Put(fp, chunk)
			if err != nil {
				h.e.chunks.Unpin(fp)
				return err
			}
			inserted, err := h.e.chunks.PutIfAbsent(fp, chunkindex.MappingData{
				ContainerID:    containerID,
				CompressedSize: uint32(len(chunk)),
			})
			h.e.chunks.Unpin(fp)
			if err != nil {
				return err
			}
			_ = inserted // a losing race here is a dedup hit, not an error
		}

		items = append(items, blockindex.MappingItem{
			Fingerprint: fp,
			Offset:      uint32(r.Offset),
			Size:        uint32(r.Length),
		})
	}

	newMapping := blockindex.Mapping{BlockID: blockID, Items: items}
	pair, err := h.e.blocks.Diff(blockID, newMapping)
	if err != nil {
		return err
	}

	if err := h.e.blocks.StoreBlockOn(newMapping, handle); err != nil {
		return err
	}
	if err := h.e.blocks.CommitContainer(handle); err != nil {
		return err
	}

	return h.commitUsageCountDeltas(pair)
}

func (h *volumeHandler) commitUsageCountDeltas(pair blockindex.Pair) error {
	deltas := gc.Diff(pair)
	if len(deltas) == 0 {
		return nil
	}
	_, err := h.e.log.Commit(oplog.BlockMappingWritten, gc.EncodeDeltas(deltas), nil)
	return err
}

func errUnreadableChunk(fingerprint []byte) error {
	return errkind.Newf(errkind.Integrity, "chunk index references fingerprint %x with no readable container data", fingerprint)
}

// UnmapBlock discards blockID's mapping, dropping one usage count for
// every chunk reference it held, without writing a successor mapping.
func (h *volumeHandler) UnmapBlock(ctx context.Context, volumeID string, blockID uint64) error {
	pair, err := h.e.blocks.Diff(blockID, blockindex.Mapping{BlockID: blockID})
	if err != nil {
		return err
	}
	if pair.Old == nil {
		return nil
	}
	if err := h.e.blocks.DeleteBlockInfo(blockID); err != nil {
		return err
	}
	return h.commitUsageCountDeltas(pair)
}

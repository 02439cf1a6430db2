// Package blockindex implements the L2 block index: the mapping from a
// volume-relative block address to the ordered list of chunk fingerprints
// that compose it (spec.md section 4.6), split into a volatile store for
// blocks still being written (whose backing containers may not yet be
// committed) and a persistent store backed by a hashindex.Index.
package blockindex

import (
	"encoding/binary"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// MappingItem is one fingerprint within a block, in block-offset order.
type MappingItem struct {
	Fingerprint []byte
	Offset      uint32
	Size        uint32
}

// Mapping is the full chunk list for one block address.
type Mapping struct {
	BlockID uint64
	Version uint64
	Items   []MappingItem
}

// Pair is a before/after mapping diff delivered to the usage-count GC: Old
// is nil for a block's first write.
type Pair struct {
	BlockID uint64
	Old     *Mapping
	New     *Mapping
}

func encodeMapping(m Mapping) []byte {
	size := 8 + 8 + 4
	for _, it := range m.Items {
		size += 4 + 4 + 4 + len(it.Fingerprint)
	}
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], m.BlockID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], m.Version)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Items)))
	off += 4
	for _, it := range m.Items {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(it.Fingerprint)))
		off += 4
		binary.BigEndian.PutUint32(buf[off:], it.Offset)
		off += 4
		binary.BigEndian.PutUint32(buf[off:], it.Size)
		off += 4
		copy(buf[off:], it.Fingerprint)
		off += len(it.Fingerprint)
	}
	return buf
}

func decodeMapping(buf []byte) (Mapping, error) {
	if len(buf) < 20 {
		return Mapping{}, errkind.Newf(errkind.Integrity, "block mapping too short")
	}
	off := 0
	blockID := binary.BigEndian.Uint64(buf[off:])
	off += 8
	version := binary.BigEndian.Uint64(buf[off:])
	off += 8
	count := binary.BigEndian.Uint32(buf[off:])
	off += 4
	items := make([]MappingItem, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+12 > len(buf) {
			return Mapping{}, errkind.Newf(errkind.Integrity, "block mapping truncated at item %d", i)
		}
		fpLen := binary.BigEndian.Uint32(buf[off:])
		offset := binary.BigEndian.Uint32(buf[off+4:])
		size := binary.BigEndian.Uint32(buf[off+8:])
		off += 12
		if off+int(fpLen) > len(buf) {
			return Mapping{}, errkind.Newf(errkind.Integrity, "block mapping fingerprint overruns buffer at item %d", i)
		}
		fp := append([]byte(nil), buf[off:off+int(fpLen)]...)
		off += int(fpLen)
		items = append(items, MappingItem{Fingerprint: fp, Offset: offset, Size: size})
	}
	return Mapping{BlockID: blockID, Version: version, Items: items}, nil
}

func blockIDKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

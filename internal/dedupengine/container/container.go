// Package container implements layer L2's container store: the
// append-structured object store that holds compressed, content-addressed
// chunk data in fixed-size containers, with a write cache, a read cache, a
// persistent bitmap allocator, and a greedy merging garbage collector.
package container

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// itemHeaderSize is key_size(u32) + value_size(u32).
const itemHeaderSize = 8

// containerHeaderSize is magic(u32) + container_id(u64) + item_count(u32) +
// used_bytes(u32) + crc32(u32).
const containerHeaderSize = 4 + 8 + 4 + 4 + 4

const containerMagic = 0x44445556 // "DDUV"

// Item is one stored (fingerprint, compressed chunk data) pair inside a
// container.
type Item struct {
	Key   []byte
	Value []byte
}

// Container is one fully decoded on-disk container: a fixed-size slab
// holding a header and a packed sequence of items. ContainerID is the
// stable logical identifier; it survives merges even though the physical
// file/offset backing it changes (spec.md's metadata indirection).
type Container struct {
	ContainerID uint64
	Items       []Item
	Size        int
}

// Encode packs c into a buffer of exactly size bytes. It returns the
// packed items and any items that didn't fit (the caller must place
// overflow items into a fresh container; unlike the hash index there is no
// secondary overflow area for containers).
func Encode(c *Container, size int) (buf []byte, fit []Item, overflow []Item) {
	buf = make([]byte, size)
	off := containerHeaderSize
	var packed int
	for i, it := range c.Items {
		need := itemHeaderSize + len(it.Key) + len(it.Value)
		if off+need > size {
			overflow = c.Items[i:]
			break
		}
		binary.BigEndian.PutUint32(buf[off:], uint32(len(it.Key)))
		binary.BigEndian.PutUint32(buf[off+4:], uint32(len(it.Value)))
		copy(buf[off+8:], it.Key)
		copy(buf[off+8+len(it.Key):], it.Value)
		off += need
		packed++
	}
	fit = c.Items[:packed]

	binary.BigEndian.PutUint32(buf[0:4], containerMagic)
	binary.BigEndian.PutUint64(buf[4:12], c.ContainerID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(packed))
	binary.BigEndian.PutUint32(buf[16:20], uint32(off))
	crc := crc32.ChecksumIEEE(buf[containerHeaderSize:off])
	binary.BigEndian.PutUint32(buf[20:24], crc)
	return buf, fit, overflow
}

// Decode parses a container previously produced by Encode.
func Decode(buf []byte) (*Container, error) {
	if len(buf) < containerHeaderSize {
		return nil, errkind.Newf(errkind.Integrity, "container too short: %d bytes", len(buf))
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != containerMagic {
		return nil, errkind.Newf(errkind.Integrity, "bad container magic 0x%x", magic)
	}
	id := binary.BigEndian.Uint64(buf[4:12])
	count := binary.BigEndian.Uint32(buf[12:16])
	usedBytes := binary.BigEndian.Uint32(buf[16:20])
	wantCRC := binary.BigEndian.Uint32(buf[20:24])
	if int(usedBytes) > len(buf) {
		return nil, errkind.Newf(errkind.Integrity, "container %d used_bytes overruns buffer", id)
	}
	gotCRC := crc32.ChecksumIEEE(buf[containerHeaderSize:usedBytes])
	if wantCRC != gotCRC {
		return nil, errkind.Newf(errkind.Integrity, "container %d CRC mismatch", id)
	}

	off := containerHeaderSize
	items := make([]Item, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+itemHeaderSize > len(buf) {
			return nil, errkind.Newf(errkind.Integrity, "container %d truncated at item %d", id, i)
		}
		keySize := binary.BigEndian.Uint32(buf[off:])
		valSize := binary.BigEndian.Uint32(buf[off+4:])
		off += itemHeaderSize
		if off+int(keySize)+int(valSize) > len(buf) {
			return nil, errkind.Newf(errkind.Integrity, "container %d item %d overruns buffer", id, i)
		}
		key := append([]byte(nil), buf[off:off+int(keySize)]...)
		off += int(keySize)
		val := append([]byte(nil), buf[off:off+int(valSize)]...)
		off += int(valSize)
		items = append(items, Item{Key: key, Value: val})
	}
	return &Container{ContainerID: id, Items: items, Size: len(buf)}, nil
}

// sparsity returns the fraction of a container's bytes that are live data
// versus its raw slab size, used by the greedy merging GC to rank merge
// candidates (spec.md section 4.4).
func sparsity(c *Container, slabSize int) float64 {
	used := containerHeaderSize
	for _, it := range c.Items {
		used += itemHeaderSize + len(it.Key) + len(it.Value)
	}
	if slabSize == 0 {
		return 0
	}
	return float64(used) / float64(slabSize)
}

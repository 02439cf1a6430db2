// Package hashindex implements layer L1: the page-structured, open-
// addressing disk hash index (spec.md section 4.3) that backs the chunk
// index, the block index, the container metadata index, and the GC
// candidate index.
package hashindex

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// entry is one (key, value) pair packed into a bucket page.
type entry struct {
	key   []byte
	value []byte
}

// pageHeaderSize is entry_count(u32) + flags(u8) + crc32(u32).
const pageHeaderSize = 4 + 1 + 4

const overflowFlagBit = 1 << 0

// encodeEntries packs entries into a page of exactly pageSize bytes,
// following the {entry_count, flags, crc32}{key_size,value_size,key,value}*
// bit-exact layout in spec.md section 6. If not all entries fit, it packs
// as many as fit (in input order) and reports overflow=true along with the
// entries that didn't fit.
func encodeEntries(pageSize int, entries []entry, withCRC bool) (buf []byte, fit []entry, overflow []entry) {
	buf = make([]byte, pageSize)
	off := pageHeaderSize
	var packed int
	for i, e := range entries {
		need := 4 + 4 + len(e.key) + len(e.value)
		if off+need > pageSize {
			overflow = entries[i:]
			break
		}
		binary.BigEndian.PutUint32(buf[off:], uint32(len(e.key)))
		binary.BigEndian.PutUint32(buf[off+4:], uint32(len(e.value)))
		copy(buf[off+8:], e.key)
		copy(buf[off+8+len(e.key):], e.value)
		off += need
		packed++
	}
	fit = entries[:packed]

	binary.BigEndian.PutUint32(buf[0:4], uint32(packed))
	var flags byte
	if len(overflow) > 0 {
		flags |= overflowFlagBit
	}
	buf[4] = flags
	if withCRC {
		crc := crc32.ChecksumIEEE(buf[pageHeaderSize:])
		binary.BigEndian.PutUint32(buf[5:9], crc)
	}
	return buf, fit, overflow
}

// decodeEntries parses a page previously produced by encodeEntries.
func decodeEntries(buf []byte, withCRC bool) (entries []entry, overflow bool, err error) {
	if len(buf) < pageHeaderSize {
		return nil, false, errkind.Newf(errkind.Integrity, "bucket page too short: %d bytes", len(buf))
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	flags := buf[4]
	overflow = flags&overflowFlagBit != 0
	if withCRC {
		wantCRC := binary.BigEndian.Uint32(buf[5:9])
		gotCRC := crc32.ChecksumIEEE(buf[pageHeaderSize:])
		if wantCRC != gotCRC {
			return nil, false, errkind.Newf(errkind.Integrity, "bucket page CRC mismatch")
		}
	}
	off := pageHeaderSize
	entries = make([]entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+8 > len(buf) {
			return nil, false, errkind.Newf(errkind.Integrity, "bucket page truncated at entry %d", i)
		}
		keySize := binary.BigEndian.Uint32(buf[off:])
		valSize := binary.BigEndian.Uint32(buf[off+4:])
		off += 8
		if off+int(keySize)+int(valSize) > len(buf) {
			return nil, false, errkind.Newf(errkind.Integrity, "bucket page entry %d overruns page", i)
		}
		key := append([]byte(nil), buf[off:off+int(keySize)]...)
		off += int(keySize)
		val := append([]byte(nil), buf[off:off+int(valSize)]...)
		off += int(valSize)
		entries = append(entries, entry{key: key, value: val})
	}
	return entries, overflow, nil
}

package oplog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// frameHeaderSize is len(size u32 + type u16 + log_id u64).
const frameHeaderSize = 4 + 2 + 8

// frameTrailerSize is len(crc32 u32).
const frameTrailerSize = 4

// wrapZoneSize is the number of bytes permanently reserved at the tail of
// the ring so a wrap marker always fits without special-casing short tails
// (see design note in oplog/log.go).
const wrapZoneSize = 64

// encodeFrame serializes {size, type, log_id, payload, crc32} per
// spec.md section 6's bit-exact log frame format. size is len(payload).
func encodeFrame(logID uint64, typ EventType, payload []byte) []byte {
	total := frameHeaderSize + len(payload) + frameTrailerSize
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(typ))
	binary.BigEndian.PutUint64(buf[6:14], logID)
	copy(buf[14:14+len(payload)], payload)
	crc := crc32.ChecksumIEEE(buf[4 : 14+len(payload)])
	binary.BigEndian.PutUint32(buf[14+len(payload):], crc)
	return buf
}

type decodedFrame struct {
	logID   uint64
	typ     EventType
	payload []byte
}

// decodeFrame parses a frame previously produced by encodeFrame out of buf,
// returning the frame and the number of bytes it occupied.
func decodeFrame(buf []byte) (decodedFrame, int, error) {
	if len(buf) < frameHeaderSize+frameTrailerSize {
		return decodedFrame{}, 0, errkind.Newf(errkind.Integrity, "frame buffer too short: %d bytes", len(buf))
	}
	size := binary.BigEndian.Uint32(buf[0:4])
	total := frameHeaderSize + int(size) + frameTrailerSize
	if total > len(buf) {
		return decodedFrame{}, 0, errkind.Newf(errkind.Integrity, "frame size %d exceeds available buffer %d", size, len(buf))
	}
	typ := EventType(binary.BigEndian.Uint16(buf[4:6]))
	logID := binary.BigEndian.Uint64(buf[6:14])
	payload := buf[14 : 14+size]
	wantCRC := binary.BigEndian.Uint32(buf[14+size : total])
	gotCRC := crc32.ChecksumIEEE(buf[4 : 14+size])
	if wantCRC != gotCRC {
		return decodedFrame{}, 0, errkind.Newf(errkind.Integrity, "log frame CRC mismatch at log_id=%d", logID)
	}
	return decodedFrame{logID: logID, typ: typ, payload: payload}, total, nil
}

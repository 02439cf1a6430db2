package gc

import (
	"encoding/binary"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// EncodeDeltas serializes a slice of Delta for the operation log payload:
// a count followed by, per delta, a 4-byte change and a length-prefixed
// fingerprint.
func EncodeDeltas(deltas []Delta) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(deltas)))
	for _, d := range deltas {
		var rec [8]byte
		binary.BigEndian.PutUint32(rec[0:4], uint32(int32(d.Change)))
		binary.BigEndian.PutUint32(rec[4:8], uint32(len(d.Fingerprint)))
		buf = append(buf, rec[:]...)
		buf = append(buf, d.Fingerprint...)
	}
	return buf
}

// DecodeDeltas is the inverse of EncodeDeltas.
func DecodeDeltas(buf []byte) ([]Delta, error) {
	if len(buf) < 4 {
		return nil, errkind.Newf(errkind.Integrity, "delta payload truncated")
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	off := 4
	deltas := make([]Delta, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+8 > len(buf) {
			return nil, errkind.Newf(errkind.Integrity, "delta payload truncated at record %d", i)
		}
		change := int32(binary.BigEndian.Uint32(buf[off : off+4]))
		fpLen := int(binary.BigEndian.Uint32(buf[off+4 : off+8]))
		off += 8
		if off+fpLen > len(buf) {
			return nil, errkind.Newf(errkind.Integrity, "delta payload truncated at fingerprint %d", i)
		}
		fp := append([]byte(nil), buf[off:off+fpLen]...)
		off += fpLen
		deltas = append(deltas, Delta{Fingerprint: fp, Change: change})
	}
	return deltas, nil
}

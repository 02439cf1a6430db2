package hashindex

import (
	"github.com/juju/errors"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
	"github.com/dedupv1/dedupengine/internal/dedupengine/pageio"
)

// txnArea implements the per-bucket page transaction described in
// spec.md section 4.3: before a new page image is written in place, the
// old image is written to a side-log slot sized pageSize*2 (one old, one
// new). On commit the slot is cleared; on crash, Recover redoes the new
// image for any slot still marked pending, which is always safe because
// a page write never partially merges with existing content.
type txnArea struct {
	file     *pageio.File
	pageSize int
	slotSize int64 // 1 (status) + pageSize (old) + pageSize (new)
}

const (
	txnEmpty   = 0
	txnPending = 1
)

func openTxnArea(path string, pageSize int) (*txnArea, error) {
	f, err := pageio.Open(path, pageSize)
	if err != nil {
		return nil, err
	}
	return &txnArea{file: f, pageSize: pageSize, slotSize: int64(1 + 2*pageSize)}, nil
}

func (t *txnArea) slotOffset(bucketID uint64) int64 {
	return int64(bucketID) * t.slotSize
}

// begin stores the old and new page images for bucketID and marks the slot
// pending. It must be called, and fsynced by the caller via t.file.Fsync()
// per the index's sync policy, before the new image is written in place.
func (t *txnArea) begin(bucketID uint64, oldImage, newImage []byte) error {
	if len(oldImage) != t.pageSize || len(newImage) != t.pageSize {
		return errkind.Newf(errkind.ContractViolation, "txn images must be exactly %d bytes", t.pageSize)
	}
	buf := make([]byte, t.slotSize)
	buf[0] = txnPending
	copy(buf[1:1+t.pageSize], oldImage)
	copy(buf[1+t.pageSize:], newImage)
	return t.file.PWrite(t.slotOffset(bucketID), buf)
}

// commit clears bucketID's slot once the in-place write has completed.
func (t *txnArea) commit(bucketID uint64) error {
	return t.file.PWrite(t.slotOffset(bucketID), []byte{txnEmpty})
}

// recover scans all slots up to bucketCount and redoes any pending write by
// invoking applyNew with the stored new image; it then clears the slot.
func (t *txnArea) recover(bucketCount uint64, applyNew func(bucketID uint64, newImage []byte) error) error {
	slot := make([]byte, t.slotSize)
	for b := uint64(0); b < bucketCount; b++ {
		if err := t.file.PRead(t.slotOffset(b), slot); err != nil {
			return errors.Annotatef(err, "reading txn slot %d", b)
		}
		if slot[0] != txnPending {
			continue
		}
		newImage := append([]byte(nil), slot[1+t.pageSize:]...)
		if err := applyNew(b, newImage); err != nil {
			return errors.Annotatef(err, "redoing txn slot %d", b)
		}
		if err := t.commit(b); err != nil {
			return errors.Annotatef(err, "clearing txn slot %d", b)
		}
	}
	return t.file.Fsync()
}

func (t *txnArea) ensureCapacity(bucketCount uint64) error {
	return t.file.Truncate(int64(bucketCount) * t.slotSize)
}

func (t *txnArea) close() error {
	return t.file.Close()
}
